// Package models contains the data structures used throughout pgbackup-homelab.
package models

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Artifact suffixes appended to the output prefix.
const (
	SuffixCompressed = ".sql.gz"
	SuffixEncrypted  = ".sql.gz.gpg"
)

// DefaultTimestampFormat matches the naming used by existing backup directories.
const DefaultTimestampFormat = "2006-01-02_15-04-05"

// BackupConfig holds the complete configuration for backup runs.
// It is built once at startup and passed by value; per-run variations are
// derived with ForRun.
type BackupConfig struct {
	Postgres PostgresConfig
	Output   OutputConfig
	Encrypt  bool
	GPG      GPGConfig
	PostHook HookConfig
	Owner    OwnerConfig
	Schedule ScheduleConfig
	Tools    ToolsConfig
	Log      LogConfig
	Metrics  MetricsConfig
	WOL      *WOLConfig      // nil if not configured
	Shutdown *ShutdownConfig // nil if not configured
	Telegram *TelegramConfig // nil if not configured
}

// OutputConfig controls where artifacts are written and how they are named.
type OutputConfig struct {
	Dir             string
	Name            string // friendly name, defaults to the database name
	Timestamp       bool   // embed a timestamp in the name for every run
	TimestampFormat string
}

// GPGConfig holds the recipient key settings used when encryption is enabled.
type GPGConfig struct {
	KeyFile string
	Key     string // optional key material installed into KeyFile at startup
}

// HookConfig holds the optional post-backup hook.
type HookConfig struct {
	Path    string
	Timeout time.Duration // zero means no timeout
}

// OwnerConfig holds the optional artifact ownership. Both UID and GID must be
// set for ownership to change.
type OwnerConfig struct {
	UID *int
	GID *int
}

// Complete reports whether both ids are configured.
func (o OwnerConfig) Complete() bool {
	return o.UID != nil && o.GID != nil
}

// ScheduleConfig holds the recurring trigger settings.
type ScheduleConfig struct {
	Cron         string // empty means one-shot
	RunOnStart   bool
	MarkerFile   string
	PollInterval time.Duration
}

// ToolsConfig names the external programs forming the pipeline.
type ToolsConfig struct {
	Dump          string
	Compress      string
	CompressLevel int
	Encrypt       string
}

// LogConfig holds logging output settings.
type LogConfig struct {
	File  string
	Level string
	JSON  bool
}

// MetricsConfig holds the optional HTTP endpoint of the supervisor.
type MetricsConfig struct {
	Listen string // empty disables the endpoint
}

// OutputPrefix returns the artifact path without suffix.
func (c BackupConfig) OutputPrefix() string {
	return filepath.Join(c.Output.Dir, c.Output.Name)
}

// ArtifactPath returns the final artifact path for the configured prefix.
func (c BackupConfig) ArtifactPath() string {
	if c.Encrypt {
		return c.OutputPrefix() + SuffixEncrypted
	}
	return c.OutputPrefix() + SuffixCompressed
}

// ForRun returns a copy of the config for a single run started at now.
// The timestamp is embedded in the name only when Output.Timestamp is set.
func (c BackupConfig) ForRun(now time.Time) BackupConfig {
	if !c.Output.Timestamp {
		return c
	}
	layout := c.Output.TimestampFormat
	if layout == "" {
		layout = DefaultTimestampFormat
	}
	c.Output.Name = c.Output.Name + "_" + now.Format(layout)
	return c
}

// Unclaimed returns a copy whose artifact does not exist yet. A timestamped
// name that is already taken, e.g. by a run started in the same second, gets
// a _1, _2, ... suffix. Untimestamped names are returned unchanged so the
// exclusive create still refuses to overwrite them.
func (c BackupConfig) Unclaimed() BackupConfig {
	if !c.Output.Timestamp {
		return c
	}
	base := c.Output.Name
	for n := 1; ; n++ {
		// Any other stat error is left for the exclusive create to report.
		if _, err := os.Lstat(c.ArtifactPath()); err != nil {
			return c
		}
		c.Output.Name = base + "_" + strconv.Itoa(n)
	}
}
