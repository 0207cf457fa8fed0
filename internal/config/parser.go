// Package config resolves the backup configuration from flags, environment
// and an optional YAML file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default file locations.
const (
	DefaultOutputDir  = "/backup"
	DefaultKeyFile    = "/app/key"
	DefaultMarkerFile = "/var/run/pgbackup/trigger"
	DefaultLogFile    = "/var/log/pgbackup.log"
)

// envBindings maps config keys to the environment variables of the container image.
var envBindings = map[string]string{
	"postgres.host":         "POSTGRES_HOST",
	"postgres.port":         "POSTGRES_PORT",
	"postgres.database":     "POSTGRES_DB",
	"postgres.username":     "POSTGRES_USER",
	"postgres.password":     "POSTGRES_PASSWORD",
	"output.dir":            "OUTPUT_DIR",
	"output.name":           "FRIENDLY_NAME",
	"output.timestamp":      "OUTPUT_TIMESTAMP",
	"encrypt":               "ENABLE_GPG",
	"gpg.key":               "KEY",
	"gpg.key_file":          "GPG_KEY_FILE",
	"owner.uid":             "UID",
	"owner.gid":             "GID",
	"post_hook.path":        "POSTBACKUPSCRIPT",
	"schedule.cron":         "CRON_SCHEDULE",
	"schedule.run_on_start": "ENABLE_INITIAL_BACKUP",
	"schedule.marker_file":  "MARKER_FILE",
	"log.file":              "LOG_FILE",
	"metrics.listen":        "METRICS_ADDR",
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"host":               "postgres.host",
	"port":               "postgres.port",
	"user":               "postgres.username",
	"db":                 "postgres.database",
	"output-dir":         "output.dir",
	"name":               "output.name",
	"timestamp":          "output.timestamp",
	"encrypt":            "encrypt",
	"key-file":           "gpg.key_file",
	"post-backup-script": "post_hook.path",
	"uid":                "owner.uid",
	"gid":                "owner.gid",
	"cron":               "schedule.cron",
	"run-on-start":       "schedule.run_on_start",
	"marker-file":        "schedule.marker_file",
	"log-file":           "log.file",
	"metrics-addr":       "metrics.listen",
}

// Parser handles configuration resolution.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser with defaults and
// environment bindings installed.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("output.dir", DefaultOutputDir)
	v.SetDefault("output.timestamp", true)
	v.SetDefault("output.timestamp_format", models.DefaultTimestampFormat)
	v.SetDefault("gpg.key_file", DefaultKeyFile)
	v.SetDefault("tools.dump", "pg_dump")
	v.SetDefault("tools.compress", "pigz")
	v.SetDefault("tools.compress_level", 7)
	v.SetDefault("tools.encrypt", "gpg")
	v.SetDefault("schedule.marker_file", DefaultMarkerFile)
	v.SetDefault("schedule.poll_interval", 60*time.Second)
	v.SetDefault("log.file", DefaultLogFile)
	v.SetDefault("log.level", "info")

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	return &Parser{v: v}
}

// BindFlags binds the known command line flags found in fs. Flags only take
// effect when set explicitly.
func (p *Parser) BindFlags(fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := p.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// LoadFile loads configuration from a file path. An empty path resolves the
// configuration from flags, environment and defaults only.
func (p *Parser) LoadFile(path string) (*models.BackupConfig, error) {
	if path != "" {
		p.v.SetConfigFile(path)
		if err := p.v.ReadInConfig(); err != nil {
			return nil, &models.ConfigurationError{Key: "config", Reason: fmt.Sprintf("reading %s: %v", path, err)}
		}
	}

	return p.parse()
}

// LoadReader loads configuration from YAML content (useful for testing).
func (p *Parser) LoadReader(content string) (*models.BackupConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, &models.ConfigurationError{Key: "config", Reason: err.Error()}
	}

	return p.parse()
}

// ResolveMarkerFile returns the trigger marker path without validating the
// rest of the configuration.
func (p *Parser) ResolveMarkerFile(path string) (string, error) {
	if path != "" {
		p.v.SetConfigFile(path)
		if err := p.v.ReadInConfig(); err != nil {
			return "", &models.ConfigurationError{Key: "config", Reason: fmt.Sprintf("reading %s: %v", path, err)}
		}
	}
	marker := p.expandEnv(p.v.GetString("schedule.marker_file"))
	if marker == "" {
		return "", &models.ConfigurationError{Key: "schedule.marker_file", Reason: "is required"}
	}
	return marker, nil
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.BackupConfig, error) {
	cfg := &models.BackupConfig{}

	cfg.Postgres = models.PostgresConfig{
		Host:     p.v.GetString("postgres.host"),
		Port:     p.v.GetInt("postgres.port"),
		Database: p.v.GetString("postgres.database"),
		Username: p.v.GetString("postgres.username"),
		Password: p.expandEnv(p.v.GetString("postgres.password")),
	}

	cfg.Output = models.OutputConfig{
		Dir:             p.expandEnv(p.v.GetString("output.dir")),
		Name:            p.v.GetString("output.name"),
		Timestamp:       p.v.GetBool("output.timestamp"),
		TimestampFormat: p.v.GetString("output.timestamp_format"),
	}
	if cfg.Output.Name == "" {
		cfg.Output.Name = cfg.Postgres.Database
	}

	cfg.Encrypt = p.v.GetBool("encrypt")
	cfg.GPG = models.GPGConfig{
		KeyFile: p.expandEnv(p.v.GetString("gpg.key_file")),
		Key:     p.v.GetString("gpg.key"),
	}

	cfg.PostHook = models.HookConfig{
		Path:    p.expandEnv(p.v.GetString("post_hook.path")),
		Timeout: p.v.GetDuration("post_hook.timeout"),
	}

	uid, err := p.optionalID("owner.uid")
	if err != nil {
		return nil, err
	}
	gid, err := p.optionalID("owner.gid")
	if err != nil {
		return nil, err
	}
	cfg.Owner = models.OwnerConfig{UID: uid, GID: gid}

	cfg.Schedule = models.ScheduleConfig{
		Cron:         strings.TrimSpace(p.v.GetString("schedule.cron")),
		RunOnStart:   p.v.GetBool("schedule.run_on_start"),
		MarkerFile:   p.expandEnv(p.v.GetString("schedule.marker_file")),
		PollInterval: p.v.GetDuration("schedule.poll_interval"),
	}

	cfg.Tools = models.ToolsConfig{
		Dump:          p.v.GetString("tools.dump"),
		Compress:      p.v.GetString("tools.compress"),
		CompressLevel: p.v.GetInt("tools.compress_level"),
		Encrypt:       p.v.GetString("tools.encrypt"),
	}

	cfg.Log = models.LogConfig{
		File:  p.expandEnv(p.v.GetString("log.file")),
		Level: p.v.GetString("log.level"),
		JSON:  p.v.GetBool("log.json"),
	}

	cfg.Metrics = models.MetricsConfig{
		Listen: p.v.GetString("metrics.listen"),
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") { //nolint:nestif // config parsing with defaults
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			PollAddress:   p.v.GetString("wol.poll_address"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, &models.ConfigurationError{Key: "wol.mac_address", Reason: "required when wol is configured"}
		}

		// Set defaults.
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.PollAddress == "" && cfg.Postgres.Host != "" {
			cfg.WOL.PollAddress = net.JoinHostPort(cfg.Postgres.Host, strconv.Itoa(cfg.Postgres.Port))
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse optional remote shutdown config.
	if p.v.IsSet("ssh_shutdown") { //nolint:nestif // config parsing with defaults
		cfg.Shutdown = &models.ShutdownConfig{
			Host:           p.v.GetString("ssh_shutdown.host"),
			Port:           p.v.GetInt("ssh_shutdown.port"),
			Username:       p.v.GetString("ssh_shutdown.username"),
			KeyPath:        p.expandEnv(p.v.GetString("ssh_shutdown.key_path")),
			KnownHostsFile: p.expandEnv(p.v.GetString("ssh_shutdown.known_hosts")),
			Delay:          p.v.GetDuration("ssh_shutdown.delay"),
			OS:             p.v.GetString("ssh_shutdown.os"),
		}

		if cfg.Shutdown.Host == "" {
			cfg.Shutdown.Host = cfg.Postgres.Host
		}
		if cfg.Shutdown.Port == 0 {
			cfg.Shutdown.Port = 22
		}
		if cfg.Shutdown.Username == "" {
			cfg.Shutdown.Username = "root"
		}
		if cfg.Shutdown.KeyPath == "" {
			return nil, &models.ConfigurationError{Key: "ssh_shutdown.key_path", Reason: "required when ssh_shutdown is configured"}
		}
		if !p.v.IsSet("ssh_shutdown.delay") {
			cfg.Shutdown.Delay = time.Minute
		}
		if cfg.Shutdown.OS == "" {
			cfg.Shutdown.OS = "linux"
		}
		if cfg.Shutdown.OS != "linux" && cfg.Shutdown.OS != "windows" {
			return nil, &models.ConfigurationError{Key: "ssh_shutdown.os", Reason: fmt.Sprintf("%q must be linux or windows", cfg.Shutdown.OS)}
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken:  p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:    p.expandEnv(p.v.GetString("telegram.chat_id")),
			OnFailure: p.v.GetBool("telegram.on_failure"),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, &models.ConfigurationError{Key: "telegram.bot_token", Reason: "required when telegram is configured"}
		}
		if cfg.Telegram.ChatID == "" {
			return nil, &models.ConfigurationError{Key: "telegram.chat_id", Reason: "required when telegram is configured"}
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// optionalID reads an owner id. Unset or empty values yield nil.
func (p *Parser) optionalID(key string) (*int, error) {
	if !p.v.IsSet(key) {
		return nil, nil
	}
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &models.ConfigurationError{Key: key, Reason: fmt.Sprintf("%q is not a numeric id", raw)}
	}
	return &id, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
//
//nolint:gocyclo // one check per setting
func Validate(cfg *models.BackupConfig) error {
	if cfg == nil {
		return &models.ConfigurationError{Key: "config", Reason: "configuration is nil"}
	}

	required := []struct {
		key   string
		value string
	}{
		{"postgres.host", cfg.Postgres.Host},
		{"postgres.username", cfg.Postgres.Username},
		{"postgres.database", cfg.Postgres.Database},
		{"output.dir", cfg.Output.Dir},
		{"output.name", cfg.Output.Name},
		{"tools.dump", cfg.Tools.Dump},
		{"tools.compress", cfg.Tools.Compress},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &models.ConfigurationError{Key: r.key, Reason: "is required"}
		}
	}

	if cfg.Postgres.Port < 1 || cfg.Postgres.Port > 65535 {
		return &models.ConfigurationError{Key: "postgres.port", Reason: fmt.Sprintf("%d is out of range 1-65535", cfg.Postgres.Port)}
	}
	if strings.ContainsRune(cfg.Output.Name, os.PathSeparator) {
		return &models.ConfigurationError{Key: "output.name", Reason: "must not contain a path separator"}
	}
	if cfg.Tools.CompressLevel < 1 || cfg.Tools.CompressLevel > 9 {
		return &models.ConfigurationError{Key: "tools.compress_level", Reason: "must be between 1 and 9"}
	}

	if cfg.Owner.UID != nil && *cfg.Owner.UID < 0 {
		return &models.ConfigurationError{Key: "owner.uid", Reason: "must not be negative"}
	}
	if cfg.Owner.GID != nil && *cfg.Owner.GID < 0 {
		return &models.ConfigurationError{Key: "owner.gid", Reason: "must not be negative"}
	}

	if cfg.Encrypt {
		if cfg.GPG.KeyFile == "" {
			return &models.ConfigurationError{Key: "gpg.key_file", Reason: "required when encryption is enabled"}
		}
		if cfg.Tools.Encrypt == "" {
			return &models.ConfigurationError{Key: "tools.encrypt", Reason: "required when encryption is enabled"}
		}
	}

	if cfg.PostHook.Timeout < 0 {
		return &models.ConfigurationError{Key: "post_hook.timeout", Reason: "must not be negative"}
	}
	// With a fixed name every scheduled run after the first would find its
	// artifact already present.
	if cfg.Schedule.Cron != "" && !cfg.Output.Timestamp {
		return &models.ConfigurationError{Key: "output.timestamp", Reason: "must be enabled when schedule.cron is set"}
	}
	if cfg.Schedule.PollInterval <= 0 {
		return &models.ConfigurationError{Key: "schedule.poll_interval", Reason: "must be positive"}
	}

	return nil
}
