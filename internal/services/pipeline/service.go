// Package pipeline runs chains of external processes connected by pipes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fgeck/pgbackup-homelab/internal/logging"
	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for pipeline execution.
type Service interface {
	Run(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error)
}

// Impl implements the pipeline Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new pipeline service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Validate checks a spec before anything is spawned.
func Validate(spec models.PipelineSpec) error {
	if len(spec.Stages) < 2 {
		return fmt.Errorf("pipeline needs at least 2 stages, got %d", len(spec.Stages))
	}
	for i, st := range spec.Stages {
		if len(st.Argv) == 0 || st.Argv[0] == "" {
			return fmt.Errorf("stage %d (%s) has an empty command", i, st.Name)
		}
	}
	if spec.OutputPath == "" {
		return fmt.Errorf("pipeline output path is empty")
	}
	return nil
}

type stage struct {
	cmd    *exec.Cmd
	stderr *logging.LineWriter
}

// Run executes all stages concurrently, wiring each stage's stdout to the next
// stage's stdin and the last stage's stdout to a freshly created output file.
// Runtime failures are reported in the result's Error; the returned error is
// non-nil only for an invalid spec. A partially written output file is kept.
func (s *Impl) Run(ctx context.Context, spec models.PipelineSpec) (*models.PipelineResult, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &models.PipelineResult{
		OutputPath: spec.OutputPath,
		Stages:     make([]models.StageResult, len(spec.Stages)),
	}
	for i, st := range spec.Stages {
		result.Stages[i] = models.StageResult{Name: st.Name, ExitCode: -1}
	}

	stages := make([]stage, len(spec.Stages))
	// Parent copies of pipe ends; closed once every stage has started.
	var pipeEnds []*os.File
	closePipes := func() {
		for _, f := range pipeEnds {
			_ = f.Close()
		}
		pipeEnds = nil
	}

	for i, st := range spec.Stages {
		cmd := exec.CommandContext(ctx, st.Argv[0], st.Argv[1:]...) //nolint:gosec // argv built from config
		if len(st.Env) > 0 {
			cmd.Env = append(os.Environ(), st.Env...)
		}
		level := zerolog.DebugLevel
		if st.LogStderr {
			level = zerolog.InfoLevel
		}
		stderr := logging.NewLineWriter(s.logger.With().Str("stage", st.Name).Logger(), level)
		cmd.Stderr = stderr
		stages[i] = stage{cmd: cmd, stderr: stderr}

		// Binary lookup failures surface before the output file exists.
		if _, err := exec.LookPath(st.Argv[0]); err != nil {
			result.Stages[i].Error = err
			result.Error = &models.StageLaunchError{Index: i, Name: st.Name, Err: err}
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	// A cancelled run never creates its artifact.
	if err := ctx.Err(); err != nil {
		result.Error = fmt.Errorf("pipeline cancelled before start: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	out, err := createOutput(spec.OutputPath)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}
	defer func() { _ = out.Close() }()

	for i := 0; i < len(stages)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closePipes()
			result.Error = fmt.Errorf("failed to create pipe: %w", err)
			result.Duration = time.Since(start)
			return result, nil
		}
		pipeEnds = append(pipeEnds, r, w)
		stages[i].cmd.Stdout = w
		stages[i+1].cmd.Stdin = r
	}
	stages[len(stages)-1].cmd.Stdout = out

	for i := range stages {
		s.logger.Debug().
			Int("index", i).
			Str("stage", spec.Stages[i].Name).
			Strs("argv", spec.Stages[i].Argv).
			Msg("starting stage")

		if err := stages[i].cmd.Start(); err != nil {
			closePipes()
			s.abort(stages[:i])
			result.Stages[i].Error = err
			result.Error = &models.StageLaunchError{Index: i, Name: spec.Stages[i].Name, Err: err}
			result.Duration = time.Since(start)
			return result, nil
		}
	}
	closePipes()

	for i := range stages {
		result.Stages[i] = waitStage(spec.Stages[i].Name, stages[i])
	}

	result.Duration = time.Since(start)
	if failed := failedStage(result.Stages); failed >= 0 {
		st := result.Stages[failed]
		result.Error = &models.StageExitError{
			Index:    failed,
			Name:     st.Name,
			ExitCode: st.ExitCode,
			Signal:   st.Signal,
		}
		return result, nil
	}

	if err := out.Sync(); err != nil {
		result.Error = &models.OutputError{Path: spec.OutputPath, Err: err}
		return result, nil
	}
	if info, err := out.Stat(); err == nil {
		result.SizeBytes = info.Size()
	}

	s.logger.Debug().
		Str("output", spec.OutputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("pipeline completed")

	return result, nil
}

// abort kills and reaps stages that were already started.
func (s *Impl) abort(started []stage) {
	for _, st := range started {
		if st.cmd.Process != nil {
			_ = st.cmd.Process.Kill()
		}
		_ = st.cmd.Wait()
		_ = st.stderr.Close()
	}
}

func createOutput(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &models.OutputError{Path: path, Err: err}
	}
	// O_EXCL: an existing artifact is never overwritten.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path from config
	if err != nil {
		return nil, &models.OutputError{Path: path, Err: err}
	}
	return f, nil
}

func waitStage(name string, st stage) models.StageResult {
	err := st.cmd.Wait()
	_ = st.stderr.Close()

	res := models.StageResult{Name: name, ExitCode: 0, Stderr: st.stderr.Tail()}
	if err == nil {
		return res
	}

	res.Error = err
	res.ExitCode = -1

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	}
	return res
}

// failedStage picks the stage to blame. A stage that died from SIGPIPE, or
// failed while the stage reading its output failed too, only lost its reader:
// with SIGPIPE ignored a writer exits non-zero on EPIPE instead. The first
// failure that is neither is reported; otherwise the most downstream one.
func failedStage(stages []models.StageResult) int {
	last := -1
	for i, st := range stages {
		if st.Error == nil {
			continue
		}
		last = i
		brokenPipe := st.Signal == syscall.SIGPIPE.String()
		readerFailed := i+1 < len(stages) && stages[i+1].Error != nil
		if !brokenPipe && !readerFailed {
			return i
		}
	}
	return last
}

// StderrSummary joins the stderr tail of a stage for log output.
func StderrSummary(st models.StageResult) string {
	return strings.Join(st.Stderr, " | ")
}
