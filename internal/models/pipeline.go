package models

import "time"

// StageSpec describes one external process of a pipeline.
type StageSpec struct {
	Name string
	Argv []string
	Env  []string // appended to the inherited environment of this stage only

	// LogStderr streams stderr at info level; otherwise it is logged at
	// debug and its tail only reaches error reports.
	LogStderr bool
}

// PipelineSpec is an ordered chain of stages. Stage i's stdout feeds stage
// i+1's stdin and the last stage writes to OutputPath.
type PipelineSpec struct {
	Stages     []StageSpec
	OutputPath string
}

// StageResult holds the outcome of a single stage.
type StageResult struct {
	Name     string
	ExitCode int // -1 when the stage never started or was killed by a signal
	Signal   string
	Stderr   []string // last lines written to stderr
	Error    error
}

// PipelineResult holds the result of a pipeline run.
type PipelineResult struct {
	OutputPath string
	Stages     []StageResult
	SizeBytes  int64
	Duration   time.Duration
	Error      error
}
