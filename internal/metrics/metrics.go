// Package metrics exposes Prometheus instrumentation for backup runs and the
// supervisor.
package metrics

import (
	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Trigger outcomes.
const (
	TriggerQueued    = "queued"
	TriggerCollapsed = "collapsed"
)

// SupervisorStates lists every state label reported by SupervisorState.
var SupervisorStates = []string{"idle", "waiting_for_trigger", "running", "terminated"}

var (
	// RunsTotal counts finished backup runs.
	// Labels:
	//   - outcome: "success", "failure"
	//   - error_kind: empty on success, else the error taxonomy tag
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_runs_total",
			Help: "Total number of backup runs",
		},
		[]string{"outcome", "error_kind"},
	)

	// RunDuration measures complete runs, including wake-up and hook.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgbackup_run_duration_seconds",
			Help:    "Duration of backup runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"outcome"},
	)

	LastSuccessTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgbackup_last_success_timestamp_seconds",
			Help: "Unix time of the last successful backup",
		},
	)

	LastArtifactSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgbackup_last_artifact_size_bytes",
			Help: "Size of the last successfully written artifact",
		},
	)

	// WarningsTotal counts post-backup problems that did not fail a run.
	WarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_warnings_total",
			Help: "Total number of post-backup warnings",
		},
		[]string{"step"},
	)

	TriggerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackup_trigger_events_total",
			Help: "Total number of trigger events by source and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	// SupervisorState is 1 for the current state and 0 for all others.
	SupervisorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgbackup_supervisor_state",
			Help: "Current supervisor state",
		},
		[]string{"state"},
	)
)

// RecordRun records the outcome of a finished run.
func RecordRun(result *models.BackupResult) {
	if result == nil {
		return
	}

	outcome := OutcomeFailure
	if result.Success {
		outcome = OutcomeSuccess
	}
	RunsTotal.WithLabelValues(outcome, models.ErrorKind(result.Error)).Inc()
	RunDuration.WithLabelValues(outcome).Observe(result.Duration.Seconds())

	if result.Success {
		LastSuccessTimestamp.Set(float64(result.StartTime.Add(result.Duration).Unix()))
		LastArtifactSize.Set(float64(result.SizeBytes))
	}

	if result.HookError != nil {
		WarningsTotal.WithLabelValues("hook").Inc()
	}
	if result.ShutdownError != nil {
		WarningsTotal.WithLabelValues("shutdown").Inc()
	}
}

// RecordTrigger counts a trigger event. collapsed is true when a run was
// already pending.
func RecordTrigger(trigger string, collapsed bool) {
	outcome := TriggerQueued
	if collapsed {
		outcome = TriggerCollapsed
	}
	TriggerEvents.WithLabelValues(trigger, outcome).Inc()
}

// SetSupervisorState marks state as the current one.
func SetSupervisorState(state string) {
	for _, s := range SupervisorStates {
		value := 0.0
		if s == state {
			value = 1
		}
		SupervisorState.WithLabelValues(s).Set(value)
	}
}
