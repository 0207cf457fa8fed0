// Package schedule produces trigger events for the backup supervisor.
//
// Every trigger feeds a Pending channel holding at most one event: a trigger
// that fires while a run is already pending is collapsed into it.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/pgbackup-homelab/internal/metrics"
	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is used by MarkerTrigger when no interval is configured.
const DefaultPollInterval = 60 * time.Second

// Trigger delivers events requesting a backup run.
type Trigger interface {
	Start(ctx context.Context) error
	Events() <-chan struct{}
	Stop()
}

// Pending is a single-slot event queue.
type Pending struct {
	ch chan struct{}
}

// NewPending creates an empty Pending.
func NewPending() *Pending {
	return &Pending{ch: make(chan struct{}, 1)}
}

// Notify marks a run as pending. It never blocks and reports false when a
// run was already pending.
func (p *Pending) Notify() bool {
	select {
	case p.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// C returns the channel a pending run is received from.
func (p *Pending) C() <-chan struct{} {
	return p.ch
}

// ParseCron parses a standard five-field cron expression. Descriptors such
// as @daily and @every 1h are accepted as well.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, &models.SchedulingError{Err: fmt.Errorf("invalid cron expression %q: %w", expr, err)}
	}
	return sched, nil
}

// CronTrigger fires on a cron schedule.
type CronTrigger struct {
	expr    string
	pending *Pending
	logger  zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCronTrigger creates a trigger for expr feeding pending.
func NewCronTrigger(logger zerolog.Logger, expr string, pending *Pending) *CronTrigger {
	return &CronTrigger{
		expr:    expr,
		pending: pending,
		logger:  logger.With().Str("trigger", "cron").Logger(),
	}
}

// Start validates the expression and starts the scheduler. An invalid
// expression returns a *models.SchedulingError.
func (t *CronTrigger) Start(ctx context.Context) error {
	sched, err := ParseCron(t.expr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return &models.SchedulingError{Err: errors.New("cron trigger already started")}
	}

	t.cron = cron.New(cron.WithLogger(cronLogger{logger: t.logger}))
	t.cron.Schedule(sched, cron.FuncJob(t.fire))
	t.cron.Start()

	t.logger.Info().
		Str("schedule", t.expr).
		Time("next_run", sched.Next(time.Now())).
		Msg("cron trigger installed")

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return nil
}

// Events returns the pending channel.
func (t *CronTrigger) Events() <-chan struct{} {
	return t.pending.C()
}

// Stop stops the scheduler. It is safe to call more than once.
func (t *CronTrigger) Stop() {
	t.mu.Lock()
	c := t.cron
	t.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (t *CronTrigger) fire() {
	queued := t.pending.Notify()
	metrics.RecordTrigger("cron", !queued)
	if queued {
		t.logger.Debug().Msg("schedule fired")
		return
	}
	t.logger.Info().Msg("schedule fired while a run is pending, collapsing")
}

// cronLogger routes cron's internal logging to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// MarkerTrigger fires when a marker file appears. The marker is removed
// before the event is delivered, so a marker set during a run is kept for
// the next poll.
type MarkerTrigger struct {
	path     string
	interval time.Duration
	pending  *Pending
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMarkerTrigger creates a trigger polling path every interval.
func NewMarkerTrigger(logger zerolog.Logger, path string, interval time.Duration, pending *Pending) *MarkerTrigger {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &MarkerTrigger{
		path:     path,
		interval: interval,
		pending:  pending,
		logger:   logger.With().Str("trigger", "marker").Str("marker", path).Logger(),
	}
}

// Start begins polling. The marker is checked once immediately.
func (t *MarkerTrigger) Start(ctx context.Context) error {
	if t.path == "" {
		return &models.SchedulingError{Err: errors.New("marker file path is empty")}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return &models.SchedulingError{Err: errors.New("marker trigger already started")}
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	t.logger.Info().Dur("poll_interval", t.interval).Msg("marker trigger installed")

	go t.loop(ctx)
	return nil
}

// Events returns the pending channel.
func (t *MarkerTrigger) Events() <-chan struct{} {
	return t.pending.C()
}

// Stop stops polling and waits for the poll loop to exit.
func (t *MarkerTrigger) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *MarkerTrigger) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.check()
		}
	}
}

func (t *MarkerTrigger) check() {
	err := os.Remove(t.path)
	switch {
	case err == nil:
		queued := t.pending.Notify()
		metrics.RecordTrigger("marker", !queued)
		if queued {
			t.logger.Info().Msg("trigger marker found")
		} else {
			t.logger.Info().Msg("trigger marker found while a run is pending, collapsing")
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		t.logger.Warn().Err(err).Msg("failed to consume trigger marker")
	}
}

// Touch sets the trigger marker at path, creating its directory if needed.
func Touch(path string) error {
	if path == "" {
		return &models.ConfigurationError{Key: "schedule.marker_file", Reason: "must not be empty"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0o640); err != nil { //nolint:gosec // marker holds no secrets
		return fmt.Errorf("failed to write trigger marker: %w", err)
	}
	return nil
}
