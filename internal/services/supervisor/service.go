// Package supervisor drives backup runs, either once or on a schedule.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fgeck/pgbackup-homelab/internal/metrics"
	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/fgeck/pgbackup-homelab/internal/services/job"
	"github.com/fgeck/pgbackup-homelab/internal/services/schedule"
	"github.com/rs/zerolog"
)

// State is the supervisor lifecycle state.
type State int32

// Supervisor states.
const (
	Idle State = iota
	WaitingForTrigger
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingForTrigger:
		return "waiting_for_trigger"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Supervisor owns the trigger loop. Runs never overlap.
type Supervisor struct {
	jobSvc  job.Service
	pending *schedule.Pending
	logger  zerolog.Logger
	now     func() time.Time
	state   atomic.Int32
}

// New creates a supervisor executing runs with jobSvc.
func New(logger zerolog.Logger, jobSvc job.Service) *Supervisor {
	return NewWithPending(logger, jobSvc, schedule.NewPending())
}

// NewWithPending creates a supervisor reading events from pending (for testing).
func NewWithPending(logger zerolog.Logger, jobSvc job.Service, pending *schedule.Pending) *Supervisor {
	return &Supervisor{
		jobSvc:  jobSvc,
		pending: pending,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		now:     time.Now,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	metrics.SetSupervisorState(st.String())
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("state changed")
	}
}

// Run executes the backup job. Without a cron schedule it runs once and
// returns the job error. With a schedule it waits for triggers until ctx is
// cancelled, returning nil, or until a run fails fatally, returning that
// error.
func (s *Supervisor) Run(ctx context.Context, cfg models.BackupConfig) error {
	s.setState(Idle)

	if cfg.Schedule.Cron == "" {
		err := s.runJob(ctx, cfg)
		s.setState(Terminated)
		return err
	}

	triggers, err := s.startTriggers(ctx, cfg)
	if err != nil {
		s.logger.Error().Err(err).Str("error_kind", models.ErrorKind(err)).Msg("failed to install schedule")
		s.setState(Terminated)
		return err
	}
	defer func() {
		for _, t := range triggers {
			t.Stop()
		}
	}()

	if cfg.Schedule.RunOnStart {
		s.logger.Info().Msg("running initial backup")
		if err := s.runJob(ctx, cfg); err != nil && job.IsFatal(err) {
			return s.terminate(err)
		}
	}

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}
		s.setState(WaitingForTrigger)
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.pending.C():
			// Both cases may be ready at once; runJob skips a cancelled ctx
			// and the next iteration shuts down.
			if err := s.runJob(ctx, cfg); err != nil && job.IsFatal(err) {
				return s.terminate(err)
			}
		}
	}
}

func (s *Supervisor) shutdown() error {
	s.logger.Info().Msg("shutting down")
	s.setState(Terminated)
	return nil
}

func (s *Supervisor) startTriggers(ctx context.Context, cfg models.BackupConfig) ([]schedule.Trigger, error) {
	triggers := []schedule.Trigger{schedule.NewCronTrigger(s.logger, cfg.Schedule.Cron, s.pending)}
	if cfg.Schedule.MarkerFile != "" {
		triggers = append(triggers, schedule.NewMarkerTrigger(s.logger, cfg.Schedule.MarkerFile, cfg.Schedule.PollInterval, s.pending))
	}

	for i, t := range triggers {
		if err := t.Start(ctx); err != nil {
			for _, started := range triggers[:i] {
				started.Stop()
			}
			return nil, err
		}
	}
	return triggers, nil
}

func (s *Supervisor) runJob(ctx context.Context, cfg models.BackupConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.setState(Running)
	_, err := s.jobSvc.Run(ctx, cfg.ForRun(s.now()).Unclaimed())
	return err
}

func (s *Supervisor) terminate(err error) error {
	s.logger.Error().Err(err).Str("error_kind", models.ErrorKind(err)).Msg("fatal error, stopping supervisor")
	s.setState(Terminated)
	return err
}
