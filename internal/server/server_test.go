package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fgeck/pgbackup-homelab/internal/metrics"
	"github.com/fgeck/pgbackup-homelab/internal/services/supervisor"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedState supervisor.State

func (f fixedState) State() supervisor.State { return supervisor.State(f) }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state       supervisor.State
		wantStatus  int
		wantHealthy bool
	}{
		{supervisor.WaitingForTrigger, http.StatusOK, true},
		{supervisor.Running, http.StatusOK, true},
		{supervisor.Terminated, http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			srv := New(testLogger(), "", fixedState(tt.state))

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.state.String(), body.State)
			assert.Equal(t, tt.wantHealthy, body.Healthy)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.SetSupervisorState("waiting_for_trigger")
	srv := New(testLogger(), "", fixedState(supervisor.WaitingForTrigger))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pgbackup_supervisor_state{state="waiting_for_trigger"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	srv := New(testLogger(), "", fixedState(supervisor.Idle))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(testLogger(), "", fixedState(supervisor.Running))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_InvalidAddress(t *testing.T) {
	srv := New(testLogger(), "256.0.0.1:99999", fixedState(supervisor.Idle))

	err := srv.Run(context.Background())

	assert.Error(t, err)
}
