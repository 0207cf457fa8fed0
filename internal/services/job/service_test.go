package job

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/fgeck/pgbackup-homelab/internal/services/finalizer"
	"github.com/fgeck/pgbackup-homelab/internal/services/keyring"
	"github.com/fgeck/pgbackup-homelab/internal/services/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockPipelineService struct {
	runFunc func(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error)
	specs   []models.PipelineSpec
}

func (m *mockPipelineService) Run(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error) {
	m.specs = append(m.specs, spec)
	if m.runFunc != nil {
		return m.runFunc(ctx, spec)
	}
	return &models.PipelineResult{OutputPath: spec.OutputPath, SizeBytes: 1024}, nil
}

type mockFinalizerService struct {
	result *models.FinalizeResult
	calls  int
}

func (m *mockFinalizerService) Finalize(ctx context.Context, cfg models.BackupConfig, artifactPath string) *models.FinalizeResult {
	m.calls++
	if m.result != nil {
		return m.result
	}
	return &models.FinalizeResult{}
}

type mockKeyringService struct {
	checkErr error
}

func (m *mockKeyringService) Check(path string) error             { return m.checkErr }
func (m *mockKeyringService) Install(path, material string) error { return nil }
func (m *mockKeyringService) Inspect(path string) (*keyring.KeyInfo, error) {
	return nil, errors.New("not a key")
}

type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg)
	}
	return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
}

type mockSSHService struct {
	shutdownFunc func(ctx context.Context, cfg models.ShutdownConfig) (*models.ShutdownResult, error)
	calls        int
}

func (m *mockSSHService) Shutdown(ctx context.Context, cfg models.ShutdownConfig) (*models.ShutdownResult, error) {
	m.calls++
	if m.shutdownFunc != nil {
		return m.shutdownFunc(ctx, cfg)
	}
	return &models.ShutdownResult{CommandRun: true, Command: "sudo shutdown -h now"}, nil
}

func (m *mockSSHService) TestConnection(ctx context.Context, cfg models.ShutdownConfig) (*models.ShutdownResult, error) {
	return &models.ShutdownResult{CommandRun: true, Output: "OK"}, nil
}

type mockTelegramService struct {
	messages []models.TelegramMessage
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	m.messages = append(m.messages, msg)
	return &models.TelegramResult{MessageSent: true}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func baseConfig(dir string) models.BackupConfig {
	return models.BackupConfig{
		Postgres: models.PostgresConfig{
			Host:     "h",
			Port:     5432,
			Database: "d",
			Username: "u",
		},
		Output: models.OutputConfig{Dir: dir, Name: "out"},
		GPG:    models.GPGConfig{KeyFile: filepath.Join(dir, "key")},
		Tools: models.ToolsConfig{
			Dump:          "pg_dump",
			Compress:      "pigz",
			CompressLevel: 7,
			Encrypt:       "gpg",
		},
	}
}

// fakeTools writes stand-ins for pg_dump and gpg and uses the system gzip
// as compressor. The dump script records that it ran in <dir>/dump-ran.
func fakeTools(t *testing.T, dir string) models.ToolsConfig {
	t.Helper()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700)) //nolint:gosec // test script
		return path
	}
	return models.ToolsConfig{
		Dump:          write("pg_dump", `touch "`+filepath.Join(dir, "dump-ran")+`"; echo "-- dump $*"; echo "pw=$PGPASSWORD"; echo "pg_dump: reading schemas" >&2`),
		Compress:      "gzip",
		CompressLevel: 7,
		Encrypt:       write("gpg", "cat"),
	}
}

func realJob(tg *mockTelegramService) *Impl {
	logger := testLogger()
	if tg == nil {
		tg = &mockTelegramService{}
	}
	return NewWithServices(logger, pipeline.New(logger), finalizer.New(logger), keyring.New(logger), &mockWOLService{}, &mockSSHService{}, tg)
}

func readGzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(data)
}

func TestBuildSpec_Unencrypted(t *testing.T) {
	cfg := baseConfig("/backup")
	cfg.Postgres.Password = "secret"

	spec := BuildSpec(cfg)

	require.Len(t, spec.Stages, 2)
	assert.Equal(t, "/backup/out.sql.gz", spec.OutputPath)
	assert.Equal(t, []string{"pg_dump", "--verbose", "-h", "h", "-U", "u", "-d", "d", "-p", "5432"}, spec.Stages[0].Argv)
	assert.Equal(t, []string{"PGPASSWORD=secret"}, spec.Stages[0].Env)
	assert.True(t, spec.Stages[0].LogStderr)
	assert.Equal(t, []string{"pigz", "-7"}, spec.Stages[1].Argv)
	assert.False(t, spec.Stages[1].LogStderr)
	assert.Empty(t, spec.Stages[1].Env)
}

func TestBuildSpec_Encrypted(t *testing.T) {
	cfg := baseConfig("/backup")
	cfg.Encrypt = true

	spec := BuildSpec(cfg)

	require.Len(t, spec.Stages, 3)
	assert.Equal(t, "/backup/out.sql.gz.gpg", spec.OutputPath)
	assert.Empty(t, spec.Stages[0].Env)
	assert.Equal(t, StageEncrypt, spec.Stages[2].Name)
	assert.Equal(t, []string{"gpg", "--batch", "--encrypt", "--recipient-file", "/backup/key"}, spec.Stages[2].Argv)
}

func TestRun_Unencrypted_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Tools = fakeTools(t, dir)
	cfg.Postgres.Password = "pw1"

	result, err := realJob(nil).Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.FailureStage)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, filepath.Join(dir, "out.sql.gz"), result.ArtifactPath)

	info, statErr := os.Stat(result.ArtifactPath)
	require.NoError(t, statErr)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, info.Size(), result.SizeBytes)

	content := readGzip(t, result.ArtifactPath)
	assert.Contains(t, content, "-- dump --verbose -h h -U u -d d -p 5432")
	assert.Contains(t, content, "pw=pw1")

	matches, _ := filepath.Glob(filepath.Join(dir, "out.*"))
	assert.Len(t, matches, 1)
}

func TestRun_Encrypted_WithKey(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Tools = fakeTools(t, dir)
	cfg.Encrypt = true
	require.NoError(t, os.WriteFile(cfg.GPG.KeyFile, []byte("public key"), 0o600))

	result, err := realJob(nil).Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, filepath.Join(dir, "out.sql.gz.gpg"), result.ArtifactPath)
	assert.FileExists(t, result.ArtifactPath)
	assert.Len(t, result.Stages, 3)
}

func TestRun_Encrypted_MissingKeySpawnsNothing(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Tools = fakeTools(t, dir)
	cfg.Encrypt = true

	result, err := realJob(nil).Run(context.Background(), cfg)

	require.Error(t, err)
	var precondition *models.PreconditionError
	require.True(t, errors.As(err, &precondition))
	var missing *models.MissingKeyFileError
	assert.True(t, errors.As(err, &missing))
	assert.False(t, result.Success)
	assert.Equal(t, StagePrecondition, result.FailureStage)
	assert.False(t, IsFatal(err))

	assert.NoFileExists(t, filepath.Join(dir, "dump-ran"))
	assert.NoFileExists(t, result.ArtifactPath)

	// Running again changes nothing.
	_, err = realJob(nil).Run(context.Background(), cfg)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "dump-ran"))
}

func TestRun_CompressFailureKeepsPartialArtifact(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Tools = fakeTools(t, dir)
	compress := filepath.Join(dir, "pigz")
	require.NoError(t, os.WriteFile(compress, []byte("#!/bin/sh\ncat >/dev/null\nprintf partial\nexit 2\n"), 0o700)) //nolint:gosec // test script
	cfg.Tools.Compress = compress

	result, err := realJob(nil).Run(context.Background(), cfg)

	require.Error(t, err)
	var failure *models.StageFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, StageCompress, failure.Stage)
	assert.Equal(t, StageCompress, result.FailureStage)
	assert.Equal(t, models.KindStage, models.ErrorKind(err))

	var exitErr *models.StageExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.ExitCode)
	assert.Equal(t, 0, result.Stages[0].ExitCode)
	assert.False(t, IsFatal(err))

	content, readErr := os.ReadFile(result.ArtifactPath)
	require.NoError(t, readErr)
	assert.Equal(t, "partial", string(content))
}

func TestRun_MissingDumpToolIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Tools = fakeTools(t, dir)
	cfg.Tools.Dump = filepath.Join(dir, "no-such-pg_dump")

	result, err := realJob(nil).Run(context.Background(), cfg)

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, StageDump, result.FailureStage)
}

func TestRun_HookFailureKeepsSuccess(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Tools = fakeTools(t, dir)
	hook := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(hook, []byte("#!/bin/sh\nexit 1\n"), 0o700)) //nolint:gosec // test script
	cfg.PostHook = models.HookConfig{Path: hook}

	result, err := realJob(nil).Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.HookRan)
	var hookErr *models.HookFailure
	require.True(t, errors.As(result.HookError, &hookErr))
	assert.Equal(t, 1, hookErr.ExitCode)
	assert.Len(t, result.Warnings, 1)
}

func TestRun_FinalizerSkippedOnFailure(t *testing.T) {
	pipelineSvc := &mockPipelineService{
		runFunc: func(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error) {
			return &models.PipelineResult{Error: &models.StageExitError{Index: 0, Name: StageDump, ExitCode: 1}}, nil
		},
	}
	finalizerSvc := &mockFinalizerService{}

	job := NewWithServices(testLogger(), pipelineSvc, finalizerSvc, &mockKeyringService{}, &mockWOLService{}, &mockSSHService{}, &mockTelegramService{})
	result, err := job.Run(context.Background(), baseConfig("/backup"))

	require.Error(t, err)
	assert.Equal(t, StageDump, result.FailureStage)
	assert.Zero(t, finalizerSvc.calls)
	assert.Equal(t, err, result.Error)
}

func TestRun_OwnerWarningIsNotFailure(t *testing.T) {
	finalizerSvc := &mockFinalizerService{result: &models.FinalizeResult{OwnerError: errors.New("chown: not permitted")}}

	job := NewWithServices(testLogger(), &mockPipelineService{}, finalizerSvc, &mockKeyringService{}, &mockWOLService{}, &mockSSHService{}, &mockTelegramService{})
	result, err := job.Run(context.Background(), baseConfig("/backup"))

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.Warnings, 1)
}

func TestRun_OutputErrorStage(t *testing.T) {
	pipelineSvc := &mockPipelineService{
		runFunc: func(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error) {
			return &models.PipelineResult{Error: &models.OutputError{Path: spec.OutputPath, Err: os.ErrExist}}, nil
		},
	}

	job := NewWithServices(testLogger(), pipelineSvc, &mockFinalizerService{}, &mockKeyringService{}, &mockWOLService{}, &mockSSHService{}, &mockTelegramService{})
	result, err := job.Run(context.Background(), baseConfig("/backup"))

	require.Error(t, err)
	assert.Equal(t, StageOutput, result.FailureStage)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestRun_WOLFailureIsPrecondition(t *testing.T) {
	pipelineSvc := &mockPipelineService{}
	wolSvc := &mockWOLService{
		wakeFunc: func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
			return &models.WOLResult{PacketSent: true, Error: errors.New("timeout waiting for db.lan:5432")}, nil
		},
	}
	cfg := baseConfig("/backup")
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF"}

	job := NewWithServices(testLogger(), pipelineSvc, &mockFinalizerService{}, &mockKeyringService{}, wolSvc, &mockSSHService{}, &mockTelegramService{})
	result, err := job.Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Equal(t, models.KindPrecondition, models.ErrorKind(err))
	assert.Equal(t, StageWOL, result.FailureStage)
	assert.Empty(t, pipelineSvc.specs)
}

func TestRun_TelegramNotifications(t *testing.T) {
	failing := &mockPipelineService{
		runFunc: func(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error) {
			return &models.PipelineResult{Error: &models.StageExitError{Index: 1, Name: StageCompress, ExitCode: 3}}, nil
		},
	}

	tests := []struct {
		name      string
		pipeline  *mockPipelineService
		onFailure bool
		wantSent  int
	}{
		{"success notifies", &mockPipelineService{}, false, 1},
		{"success silent when failures only", &mockPipelineService{}, true, 0},
		{"failure notifies", failing, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := &mockTelegramService{}
			cfg := baseConfig("/backup")
			cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c", OnFailure: tt.onFailure}

			job := NewWithServices(testLogger(), tt.pipeline, &mockFinalizerService{}, &mockKeyringService{}, &mockWOLService{}, &mockSSHService{}, tg)
			_, _ = job.Run(context.Background(), cfg)

			require.Len(t, tg.messages, tt.wantSent)
			if tt.wantSent > 0 && tt.pipeline == failing {
				assert.False(t, tg.messages[0].Success)
				assert.Equal(t, StageCompress, tg.messages[0].FailedStep)
				assert.Contains(t, tg.messages[0].ErrorMessage, "exited with code 3")
			}
		})
	}
}

func TestRun_ShutdownAfterSuccess(t *testing.T) {
	sshSvc := &mockSSHService{}
	cfg := baseConfig("/backup")
	cfg.Shutdown = &models.ShutdownConfig{Host: "db.lan", Port: 22, Username: "root", KeyPath: "/keys/id"}

	job := NewWithServices(testLogger(), &mockPipelineService{}, &mockFinalizerService{}, &mockKeyringService{}, &mockWOLService{}, sshSvc, &mockTelegramService{})
	result, err := job.Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, 1, sshSvc.calls)
	assert.True(t, result.ShutdownSent)
	assert.Empty(t, result.Warnings)
}

func TestRun_ShutdownFailureIsWarning(t *testing.T) {
	sshSvc := &mockSSHService{
		shutdownFunc: func(ctx context.Context, cfg models.ShutdownConfig) (*models.ShutdownResult, error) {
			return &models.ShutdownResult{Error: errors.New("failed to connect to db.lan:22: connection refused")}, nil
		},
	}
	tg := &mockTelegramService{}
	cfg := baseConfig("/backup")
	cfg.Shutdown = &models.ShutdownConfig{Host: "db.lan", Port: 22}
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}

	job := NewWithServices(testLogger(), &mockPipelineService{}, &mockFinalizerService{}, &mockKeyringService{}, &mockWOLService{}, sshSvc, tg)
	result, err := job.Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.ShutdownSent)
	require.Len(t, result.Warnings, 1)
	assert.ErrorContains(t, result.ShutdownError, "connection refused")

	require.Len(t, tg.messages, 1)
	assert.Contains(t, tg.messages[0].ShutdownError, "db.lan")
}

func TestRun_ShutdownRunsAfterBackupFailure(t *testing.T) {
	failing := &mockPipelineService{
		runFunc: func(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error) {
			return &models.PipelineResult{Error: &models.StageExitError{Index: 0, Name: StageDump, ExitCode: 1}}, nil
		},
	}
	sshSvc := &mockSSHService{}
	cfg := baseConfig("/backup")
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF"}
	cfg.Shutdown = &models.ShutdownConfig{Host: "db.lan", Port: 22}

	job := NewWithServices(testLogger(), failing, &mockFinalizerService{}, &mockKeyringService{}, &mockWOLService{}, sshSvc, &mockTelegramService{})
	result, err := job.Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Equal(t, 1, sshSvc.calls)
	assert.True(t, result.ShutdownSent)
}

func TestRun_ShutdownSkippedWhenHostNeverWoke(t *testing.T) {
	wolSvc := &mockWOLService{
		wakeFunc: func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
			return &models.WOLResult{PacketSent: true, Error: errors.New("timeout")}, nil
		},
	}
	sshSvc := &mockSSHService{}
	cfg := baseConfig("/backup")
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF"}
	cfg.Shutdown = &models.ShutdownConfig{Host: "db.lan", Port: 22}

	job := NewWithServices(testLogger(), &mockPipelineService{}, &mockFinalizerService{}, &mockKeyringService{}, wolSvc, sshSvc, &mockTelegramService{})
	_, err := job.Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Zero(t, sshSvc.calls)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&models.StageFailure{Stage: StageDump, Err: &models.StageLaunchError{Index: 0, Name: StageDump, Err: os.ErrNotExist}}))
	assert.True(t, IsFatal(&models.ConfigurationError{Key: "tools", Reason: "empty"}))
	assert.False(t, IsFatal(&models.StageFailure{Stage: StageDump, Err: &models.StageExitError{Index: 0, Name: StageDump, ExitCode: 1}}))
	assert.False(t, IsFatal(&models.PreconditionError{Err: &models.MissingKeyFileError{Path: "/app/key", Err: os.ErrNotExist}}))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(&models.StageFailure{Stage: StageDump, Err: &models.StageLaunchError{Index: 0, Name: StageDump, Err: context.Canceled}}))
}

func TestRun_CancelledBeforeStartIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Tools = fakeTools(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := realJob(nil).Run(ctx, cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
	assert.False(t, result.Success)
	assert.Equal(t, StageCancelled, result.FailureStage)
	assert.NoFileExists(t, cfg.ArtifactPath())
	assert.NoFileExists(t, filepath.Join(dir, "dump-ran"))
}
