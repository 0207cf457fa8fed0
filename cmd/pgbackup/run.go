package main

import (
	"github.com/fgeck/pgbackup-homelab/internal/services/job"
	"github.com/fgeck/pgbackup-homelab/internal/services/supervisor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one backup and exit",
	Long: `Execute a single backup:
1. Wake-on-LAN (if configured)
2. Check the recipient key (if encryption is enabled)
3. pg_dump | pigz [| gpg] into a new artifact file
4. Change the artifact owner (if uid and gid are set)
5. Run the post-backup script (if configured)
6. Shut the database host down over SSH (if configured)
7. Send Telegram notification (if configured)

A failing post-backup script or shutdown is reported but does not change the
exit code.`,
	RunE: runBackup,
}

func init() {
	addBackupFlags(runCmd.Flags())
}

func runBackup(cmd *cobra.Command, args []string) error {
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

	// A schedule only applies to supervise.
	cfg.Schedule.Cron = ""

	sup := supervisor.New(log.Logger, job.New(log.Logger))
	if err := sup.Run(ctx, *cfg); err != nil {
		return err
	}

	log.Info().Msg("backup completed successfully")
	return nil
}
