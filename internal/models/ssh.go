package models

import "time"

// ShutdownConfig describes how to power the database host down over SSH
// once a backup has completed.
type ShutdownConfig struct {
	Host           string
	Port           int
	Username       string
	KeyPath        string
	KnownHostsFile string        // empty disables host key verification
	Delay          time.Duration // rounded to minutes on Linux, seconds on Windows
	OS             string        // "linux" (default) or "windows"
}

// ShutdownResult holds the result of an SSH operation.
type ShutdownResult struct {
	CommandRun bool
	Command    string
	Output     string
	Error      error
}
