package models

import "time"

// BackupResult holds the result of one backup job execution.
type BackupResult struct {
	RunID        string
	ArtifactPath string
	Success      bool
	FailureStage string // stage name, empty on success or when no stage was involved
	Stages       []StageResult
	SizeBytes    int64
	StartTime    time.Time
	Duration     time.Duration
	Error        error

	// Finalizer outcome; never affects Success.
	OwnerChanged bool
	HookRan      bool
	HookError    error
	Warnings     []error

	// Remote shutdown outcome; never affects Success.
	ShutdownSent  bool
	ShutdownError error
}

// FinalizeResult holds the result of the post-pipeline steps.
type FinalizeResult struct {
	OwnerChanged bool
	HookRan      bool
	OwnerError   error
	HookError    error
}
