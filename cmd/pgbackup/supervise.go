package main

import (
	"github.com/fgeck/pgbackup-homelab/internal/server"
	"github.com/fgeck/pgbackup-homelab/internal/services/job"
	"github.com/fgeck/pgbackup-homelab/internal/services/supervisor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run backups on a cron schedule",
	Long: `Stay in the foreground and run a backup each time the cron schedule fires
or the trigger marker file appears (see "pgbackup trigger"). Triggers that
arrive while a backup is running collapse into one follow-up run.

Without a schedule a single backup is executed, as with "run".
Failed runs are logged and the supervisor keeps waiting, except when the
pipeline tools cannot be started at all.`,
	RunE: runSupervisor,
}

func init() {
	addBackupFlags(superviseCmd.Flags())
	superviseCmd.Flags().String("metrics-addr", "", "serve /healthz and /metrics on this address (METRICS_ADDR)")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	if err := installKey(*cfg); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().
		Str("version", Version).
		Str("schedule", cfg.Schedule.Cron).
		Bool("run_on_start", cfg.Schedule.RunOnStart).
		Str("marker", cfg.Schedule.MarkerFile).
		Str("output_dir", cfg.Output.Dir).
		Msg("supervisor starting")

	sup := supervisor.New(log.Logger, job.New(log.Logger))

	if cfg.Metrics.Listen != "" {
		srv := server.New(log.Logger, cfg.Metrics.Listen, sup)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Warn().Err(err).Str("addr", cfg.Metrics.Listen).Msg("metrics endpoint disabled")
			}
		}()
	}

	return sup.Run(ctx, *cfg)
}
