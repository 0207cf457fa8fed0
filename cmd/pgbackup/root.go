package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/pgbackup-homelab/internal/config"
	"github.com/fgeck/pgbackup-homelab/internal/logging"
	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/fgeck/pgbackup-homelab/internal/services/keyring"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "pgbackup",
	Short: "Scheduled PostgreSQL backups to compressed, optionally encrypted files",
	Long: `pgbackup dumps a PostgreSQL database through a pipeline of external tools:

  pg_dump | pigz [| gpg --encrypt] > <output_dir>/<name>[_<timestamp>].sql.gz[.gpg]

The artifact can be handed to a uid/gid and a post-backup script. Use "run"
for a single backup, or "supervise" to keep running on a cron schedule.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupConsoleLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional, YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(validateCmd)
}

// addBackupFlags registers the per-setting flags shared by the backup commands.
func addBackupFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "database host (POSTGRES_HOST)")
	fs.Int("port", 5432, "database port (POSTGRES_PORT)")
	fs.String("user", "", "database user (POSTGRES_USER)")
	fs.String("db", "", "database name (POSTGRES_DB)")
	fs.String("output-dir", config.DefaultOutputDir, "artifact directory (OUTPUT_DIR)")
	fs.String("name", "", "artifact name, defaults to the database name (FRIENDLY_NAME)")
	fs.Bool("timestamp", true, "append a timestamp to the artifact name (OUTPUT_TIMESTAMP)")
	fs.Bool("encrypt", false, "encrypt the artifact with gpg (ENABLE_GPG)")
	fs.String("key-file", config.DefaultKeyFile, "recipient public key file (GPG_KEY_FILE)")
	fs.String("post-backup-script", "", "script run with the artifact path (POSTBACKUPSCRIPT)")
	fs.String("uid", "", "artifact owner uid, requires --gid (UID)")
	fs.String("gid", "", "artifact owner gid, requires --uid (GID)")
	fs.String("cron", "", "five-field cron schedule (CRON_SCHEDULE)")
	fs.Bool("run-on-start", false, "run once before waiting for the schedule (ENABLE_INITIAL_BACKUP)")
	fs.String("marker-file", config.DefaultMarkerFile, "trigger marker file (MARKER_FILE)")
	fs.String("log-file", config.DefaultLogFile, "append-only log file (LOG_FILE)")
}

func setupConsoleLogging() {
	logger, _, _ := logging.New(logging.Options{
		Console: os.Stdout,
		Level:   logging.ParseLevel("", verbose, quiet),
		JSON:    jsonOutput,
	})
	log.Logger = logger
}

// setupLogging adds the log file from cfg to the console logger. A log file
// that cannot be opened leaves console logging in place.
func setupLogging(cfg models.LogConfig) {
	logger, closer, err := logging.New(logging.Options{
		Console: os.Stdout,
		File:    cfg.File,
		Level:   logging.ParseLevel(cfg.Level, verbose, quiet),
		JSON:    jsonOutput || cfg.JSON,
	})
	if err != nil {
		log.Warn().Err(err).Str("file", cfg.File).Msg("file logging disabled")
		return
	}
	log.Logger = logger
	logCloser = closer
}

// loadConfig resolves the configuration for cmd from its flags, the
// environment and the optional config file.
func loadConfig(cmd *cobra.Command) (*models.BackupConfig, error) {
	parser := config.NewParser()
	if err := parser.BindFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("error_kind", models.ErrorKind(err)).Str("file", configFile).
			Msg("failed to load config")
		return nil, err
	}
	return cfg, nil
}

// installKey writes key material passed through the environment to the key file.
func installKey(cfg models.BackupConfig) error {
	if cfg.GPG.Key == "" {
		return nil
	}
	if err := keyring.New(log.Logger).Install(cfg.GPG.KeyFile, cfg.GPG.Key); err != nil {
		err = &models.ConfigurationError{Key: "gpg.key", Reason: err.Error()}
		log.Error().Err(err).Str("error_kind", models.ErrorKind(err)).Msg("failed to install recipient key")
		return err
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	return err
}
