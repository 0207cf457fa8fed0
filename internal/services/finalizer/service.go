// Package finalizer applies post-pipeline steps to a backup artifact.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/fgeck/pgbackup-homelab/internal/logging"
	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for artifact finalization.
type Service interface {
	Finalize(ctx context.Context, cfg models.BackupConfig, artifactPath string) *models.FinalizeResult
}

// FileOwner allows mocking os.Chown in tests.
type FileOwner interface {
	Chown(path string, uid, gid int) error
}

// HookExecutor allows mocking the hook process in tests.
type HookExecutor interface {
	Run(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error
}

// DefaultOwner changes ownership with os.Chown.
type DefaultOwner struct{}

// Chown implements FileOwner.
func (DefaultOwner) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

// DefaultExecutor runs the hook with os/exec.
type DefaultExecutor struct{}

// Run starts the hook and waits for it.
func (DefaultExecutor) Run(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // hook path from config
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Impl implements the finalizer Service interface.
type Impl struct {
	owner    FileOwner
	executor HookExecutor
	logger   zerolog.Logger
}

// New creates a new finalizer service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		owner:    DefaultOwner{},
		executor: DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithDeps creates a new finalizer service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, owner FileOwner, executor HookExecutor) *Impl {
	return &Impl{
		owner:    owner,
		executor: executor,
		logger:   logger,
	}
}

// Finalize changes the artifact's ownership and runs the post-backup hook.
// Failures are reported in the result and never undo the backup.
//
// Ownership is only changed when both UID and GID are configured; a single id
// is ignored without error.
func (s *Impl) Finalize(ctx context.Context, cfg models.BackupConfig, artifactPath string) *models.FinalizeResult {
	result := &models.FinalizeResult{}

	switch {
	case cfg.Owner.Complete():
		uid, gid := *cfg.Owner.UID, *cfg.Owner.GID
		if err := s.owner.Chown(artifactPath, uid, gid); err != nil {
			result.OwnerError = fmt.Errorf("failed to change ownership of %s: %w", artifactPath, err)
			s.logger.Warn().Err(err).Str("artifact", artifactPath).Int("uid", uid).Int("gid", gid).
				Msg("could not change artifact ownership")
		} else {
			result.OwnerChanged = true
			s.logger.Info().Str("artifact", artifactPath).Int("uid", uid).Int("gid", gid).
				Msg("artifact ownership set")
		}
	case cfg.Owner.UID != nil || cfg.Owner.GID != nil:
		s.logger.Warn().Msg("only one of uid/gid configured, ownership unchanged")
	}

	if cfg.PostHook.Path != "" {
		result.HookRan = true
		result.HookError = s.runHook(ctx, cfg.PostHook, artifactPath)
	}

	return result
}

func (s *Impl) runHook(ctx context.Context, hook models.HookConfig, artifactPath string) error {
	if hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout)
		defer cancel()
	}

	logger := s.logger.With().Str("component", "hook").Str("hook", hook.Path).Logger()
	stdout := logging.NewLineWriter(logger, zerolog.InfoLevel)
	stderr := logging.NewLineWriter(logger, zerolog.WarnLevel)

	logger.Info().Str("artifact", artifactPath).Msg("running post-backup hook")

	err := s.executor.Run(ctx, stdout, stderr, hook.Path, artifactPath)
	_ = stdout.Close()
	_ = stderr.Close()

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		hookErr := &models.HookFailure{Path: hook.Path, ExitCode: exitCode, Err: err}
		logger.Warn().Err(hookErr).Str("error_kind", hookErr.Tag()).Int("exit_code", exitCode).
			Msg("post-backup hook failed, backup is kept")
		return hookErr
	}

	logger.Info().Msg("post-backup hook executed successfully")
	return nil
}
