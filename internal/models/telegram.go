package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken  string
	ChatID    string
	OnFailure bool // only notify when a run fails
}

// TelegramMessage holds the data for a backup notification.
type TelegramMessage struct {
	Success   bool
	Database  string
	Host      string
	Artifact  string
	StartTime time.Time
	Duration  time.Duration
	SizeBytes int64
	Encrypted bool

	// Hook warning (run still successful).
	HookError string

	// Remote shutdown warning, reported whatever the run outcome.
	ShutdownError string

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
