package models

import (
	"errors"
	"fmt"
)

// Error kind tags, logged as error_kind.
const (
	KindConfiguration = "configuration"
	KindPrecondition  = "precondition"
	KindStage         = "stage"
	KindHook          = "hook"
	KindScheduling    = "scheduling"
)

// ConfigurationError reports a missing or invalid setting. Fatal, never retried.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// Tag returns the error kind.
func (e *ConfigurationError) Tag() string { return KindConfiguration }

// MissingKeyFileError reports an absent or unreadable recipient key file.
type MissingKeyFileError struct {
	Path string
	Err  error
}

func (e *MissingKeyFileError) Error() string {
	return fmt.Sprintf("recipient key file %s: %v", e.Path, e.Err)
}

func (e *MissingKeyFileError) Unwrap() error { return e.Err }

// PreconditionError is returned when a run cannot start. No process has been
// spawned when it is returned.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Err.Error() }

func (e *PreconditionError) Unwrap() error { return e.Err }

// Tag returns the error kind.
func (e *PreconditionError) Tag() string { return KindPrecondition }

// StageLaunchError reports a stage that could not be started.
type StageLaunchError struct {
	Index int
	Name  string
	Err   error
}

func (e *StageLaunchError) Error() string {
	return fmt.Sprintf("stage %d (%s) could not start: %v", e.Index, e.Name, e.Err)
}

func (e *StageLaunchError) Unwrap() error { return e.Err }

// StageExitError reports a stage that exited unsuccessfully.
type StageExitError struct {
	Index    int
	Name     string
	ExitCode int
	Signal   string
}

func (e *StageExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("stage %d (%s) killed by signal %s", e.Index, e.Name, e.Signal)
	}
	return fmt.Sprintf("stage %d (%s) exited with code %d", e.Index, e.Name, e.ExitCode)
}

// OutputError reports an artifact file that could not be created or written.
type OutputError struct {
	Path string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("output file %s: %v", e.Path, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// StageFailure wraps a pipeline failure of a single run.
type StageFailure struct {
	Stage string
	Err   error
}

func (e *StageFailure) Error() string {
	if e.Stage == "" {
		return "pipeline failed: " + e.Err.Error()
	}
	return fmt.Sprintf("pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// Tag returns the error kind.
func (e *StageFailure) Tag() string { return KindStage }

// HookFailure reports a post-backup hook that failed after a successful backup.
type HookFailure struct {
	Path     string
	ExitCode int
	Err      error
}

func (e *HookFailure) Error() string {
	return fmt.Sprintf("post-backup hook %s failed (exit code %d): %v", e.Path, e.ExitCode, e.Err)
}

func (e *HookFailure) Unwrap() error { return e.Err }

// Tag returns the error kind.
func (e *HookFailure) Tag() string { return KindHook }

// SchedulingError reports a trigger that could not be installed. Fatal.
type SchedulingError struct {
	Err error
}

func (e *SchedulingError) Error() string { return "scheduling failed: " + e.Err.Error() }

func (e *SchedulingError) Unwrap() error { return e.Err }

// Tag returns the error kind.
func (e *SchedulingError) Tag() string { return KindScheduling }

// ErrorKind returns the tag of the outermost tagged error in err's chain,
// or an empty string.
func ErrorKind(err error) string {
	var tagged interface{ Tag() string }
	if errors.As(err, &tagged) {
		return tagged.Tag()
	}
	return ""
}
