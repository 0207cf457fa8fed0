// Package job runs a single database backup from dump to finalized artifact.
package job

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/pgbackup-homelab/internal/metrics"
	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/fgeck/pgbackup-homelab/internal/services/finalizer"
	"github.com/fgeck/pgbackup-homelab/internal/services/keyring"
	"github.com/fgeck/pgbackup-homelab/internal/services/pipeline"
	"github.com/fgeck/pgbackup-homelab/internal/services/ssh"
	"github.com/fgeck/pgbackup-homelab/internal/services/telegram"
	"github.com/fgeck/pgbackup-homelab/internal/services/wol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stage names used in pipelines and failure reports.
const (
	StageWOL          = "wol"
	StagePrecondition = "precondition"
	StageDump         = "dump"
	StageCompress     = "compress"
	StageEncrypt      = "encrypt"
	StageOutput       = "output"
	StageCancelled    = "cancelled"
)

// Service defines the interface for the backup job.
type Service interface {
	Run(ctx context.Context, cfg models.BackupConfig) (*models.BackupResult, error)
}

// Impl implements the job Service interface.
type Impl struct {
	pipelineSvc  pipeline.Service
	finalizerSvc finalizer.Service
	keyringSvc   keyring.Service
	wolSvc       wol.Service
	sshSvc       ssh.Service
	telegramSvc  telegram.Service
	logger       zerolog.Logger
}

// New creates a new backup job service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		pipelineSvc:  pipeline.New(logger),
		finalizerSvc: finalizer.New(logger),
		keyringSvc:   keyring.New(logger),
		wolSvc:       wol.New(logger),
		sshSvc:       ssh.New(logger),
		telegramSvc:  telegram.New(logger),
		logger:       logger,
	}
}

// NewWithServices creates a new backup job with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	pipelineSvc pipeline.Service,
	finalizerSvc finalizer.Service,
	keyringSvc keyring.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		pipelineSvc:  pipelineSvc,
		finalizerSvc: finalizerSvc,
		keyringSvc:   keyringSvc,
		wolSvc:       wolSvc,
		sshSvc:       sshSvc,
		telegramSvc:  telegramSvc,
		logger:       logger,
	}
}

// BuildSpec returns the dump → compress → [encrypt] pipeline for cfg.
// The database password only reaches the dump stage's environment.
func BuildSpec(cfg models.BackupConfig) models.PipelineSpec {
	pg := cfg.Postgres
	dump := models.StageSpec{
		Name: StageDump,
		Argv: []string{
			cfg.Tools.Dump, "--verbose",
			"-h", pg.Host,
			"-U", pg.Username,
			"-d", pg.Database,
			"-p", strconv.Itoa(pg.Port),
		},
		LogStderr: true, // --verbose progress
	}
	if pg.Password != "" {
		dump.Env = []string{"PGPASSWORD=" + pg.Password}
	}

	compress := models.StageSpec{
		Name: StageCompress,
		Argv: []string{cfg.Tools.Compress, fmt.Sprintf("-%d", cfg.Tools.CompressLevel)},
	}

	spec := models.PipelineSpec{
		Stages:     []models.StageSpec{dump, compress},
		OutputPath: cfg.ArtifactPath(),
	}
	if cfg.Encrypt {
		spec.Stages = append(spec.Stages, models.StageSpec{
			Name: StageEncrypt,
			Argv: []string{cfg.Tools.Encrypt, "--batch", "--encrypt", "--recipient-file", cfg.GPG.KeyFile},
		})
	}
	return spec
}

// IsFatal reports whether err makes every future run fail the same way.
// A stage that could not start because the run was cancelled is not fatal.
func IsFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var launchErr *models.StageLaunchError
	var cfgErr *models.ConfigurationError
	return errors.As(err, &launchErr) || errors.As(err, &cfgErr)
}

// Run executes one backup. The returned result is always non-nil; the error is
// non-nil when the backup itself failed. Finalizer and shutdown problems are
// attached to the result as warnings and never fail the run.
//
// Once the database host is known to be up, a configured remote shutdown
// runs whether or not the backup succeeded.
//
//nolint:gocognit,gocyclo // sequential backup steps
func (s *Impl) Run(ctx context.Context, cfg models.BackupConfig) (*models.BackupResult, error) {
	result := &models.BackupResult{
		RunID:        uuid.NewString(),
		ArtifactPath: cfg.ArtifactPath(),
		StartTime:    time.Now(),
	}
	logger := s.logger.With().
		Str("run_id", result.RunID).
		Str("database", cfg.Postgres.Database).
		Logger()

	var runErr error
	hostUp := cfg.WOL == nil
	defer func() {
		if cfg.Shutdown != nil && hostUp {
			s.shutdownHost(ctx, logger, *cfg.Shutdown, result)
		}
		result.Duration = time.Since(result.StartTime)
		result.Error = runErr
		metrics.RecordRun(result)
		if cfg.Telegram != nil && (runErr != nil || !cfg.Telegram.OnFailure) {
			s.sendNotification(ctx, logger, cfg, result)
		}
	}()

	logger.Info().
		Str("host", cfg.Postgres.Host).
		Int("port", cfg.Postgres.Port).
		Str("artifact", result.ArtifactPath).
		Bool("encrypt", cfg.Encrypt).
		Msg("starting backup run")

	if cfg.WOL != nil {
		wolResult, err := s.wolSvc.Wake(ctx, *cfg.WOL)
		if err == nil {
			err = wolResult.Error
		}
		if err != nil {
			result.FailureStage = StageWOL
			runErr = &models.PreconditionError{Err: fmt.Errorf("database host did not wake: %w", err)}
			logFailure(logger, runErr, result)
			return result, runErr
		}
		hostUp = true
	}

	if cfg.Encrypt {
		if err := s.keyringSvc.Check(cfg.GPG.KeyFile); err != nil {
			result.FailureStage = StagePrecondition
			runErr = &models.PreconditionError{Err: err}
			logFailure(logger, runErr, result)
			return result, runErr
		}
		if info, err := s.keyringSvc.Inspect(cfg.GPG.KeyFile); err == nil {
			logger.Debug().Str("fingerprint", info.Fingerprint).Strs("identities", info.Identities).
				Msg("encrypting for recipient")
		} else {
			logger.Debug().Err(err).Msg("recipient key not inspectable, leaving validation to gpg")
		}
	}

	pr, err := s.pipelineSvc.Run(ctx, BuildSpec(cfg))
	if err != nil {
		runErr = &models.ConfigurationError{Key: "tools", Reason: err.Error()}
		logFailure(logger, runErr, result)
		return result, runErr
	}
	result.Stages = pr.Stages
	result.SizeBytes = pr.SizeBytes

	if pr.Error != nil {
		result.FailureStage = failureStage(pr.Error)
		runErr = &models.StageFailure{Stage: result.FailureStage, Err: pr.Error}
		logFailure(logger, runErr, result)
		return result, runErr
	}

	result.Success = true
	logger.Info().
		Str("artifact", result.ArtifactPath).
		Str("size", humanize.IBytes(uint64(max(result.SizeBytes, 0)))).
		Dur("duration", pr.Duration).
		Msg("backup pipeline completed")

	fin := s.finalizerSvc.Finalize(ctx, cfg, result.ArtifactPath)
	result.OwnerChanged = fin.OwnerChanged
	result.HookRan = fin.HookRan
	result.HookError = fin.HookError
	if fin.OwnerError != nil {
		result.Warnings = append(result.Warnings, fin.OwnerError)
	}
	if fin.HookError != nil {
		result.Warnings = append(result.Warnings, fin.HookError)
	}

	logger.Info().
		Dur("duration", time.Since(result.StartTime)).
		Int("warnings", len(result.Warnings)).
		Msg("backup run completed successfully")

	return result, nil
}

func (s *Impl) shutdownHost(ctx context.Context, logger zerolog.Logger, cfg models.ShutdownConfig, result *models.BackupResult) {
	shut, err := s.sshSvc.Shutdown(ctx, cfg)
	if err == nil {
		err = shut.Error
	}
	if err != nil {
		result.ShutdownError = fmt.Errorf("remote shutdown of %s failed: %w", cfg.Host, err)
		result.Warnings = append(result.Warnings, result.ShutdownError)
		logger.Warn().Err(err).Str("host", cfg.Host).Msg("remote shutdown failed")
		return
	}

	result.ShutdownSent = true
	logger.Info().Str("host", cfg.Host).Str("command", shut.Command).Msg("remote shutdown command sent")
}

func failureStage(err error) string {
	var launchErr *models.StageLaunchError
	var exitErr *models.StageExitError
	switch {
	case errors.As(err, &launchErr):
		return launchErr.Name
	case errors.As(err, &exitErr):
		return exitErr.Name
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StageCancelled
	default:
		return StageOutput
	}
}

func logFailure(logger zerolog.Logger, err error, result *models.BackupResult) {
	event := logger.Error().
		Err(err).
		Str("error_kind", models.ErrorKind(err)).
		Str("artifact", result.ArtifactPath)

	if result.FailureStage != "" {
		event = event.Str("failed_stage", result.FailureStage)
	}

	var exitErr *models.StageExitError
	if errors.As(err, &exitErr) {
		event = event.Int("stage_index", exitErr.Index).Int("exit_code", exitErr.ExitCode)
		if exitErr.Signal != "" {
			event = event.Str("signal", exitErr.Signal)
		}
		if exitErr.Index < len(result.Stages) {
			event = event.Str("stderr", pipeline.StderrSummary(result.Stages[exitErr.Index]))
		}
	}

	event.Msg("backup run failed")
}

func (s *Impl) sendNotification(ctx context.Context, logger zerolog.Logger, cfg models.BackupConfig, result *models.BackupResult) {
	msg := models.TelegramMessage{
		Success:   result.Success,
		Database:  cfg.Postgres.Database,
		Host:      cfg.Postgres.Host,
		Artifact:  result.ArtifactPath,
		StartTime: result.StartTime,
		Duration:  result.Duration,
		SizeBytes: result.SizeBytes,
		Encrypted: cfg.Encrypt,
	}
	if result.HookError != nil {
		msg.HookError = result.HookError.Error()
	}
	if result.ShutdownError != nil {
		msg.ShutdownError = result.ShutdownError.Error()
	}
	if result.Error != nil {
		msg.FailedStep = result.FailureStage
		msg.ErrorMessage = result.Error.Error()
	}

	sent, err := s.telegramSvc.SendNotification(ctx, *cfg.Telegram, msg)
	if err == nil {
		err = sent.Error
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to send Telegram notification")
	}
}
