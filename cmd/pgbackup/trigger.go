package main

import (
	"github.com/fgeck/pgbackup-homelab/internal/config"
	"github.com/fgeck/pgbackup-homelab/internal/services/schedule"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Request a backup from a running supervisor",
	Long: `Set the trigger marker file watched by "pgbackup supervise". Meant for
external schedulers (crond, systemd timers) that cannot see the supervisor's
configuration. The database settings are not required.`,
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().String("marker-file", config.DefaultMarkerFile, "trigger marker file (MARKER_FILE)")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	parser := config.NewParser()
	if err := parser.BindFlags(cmd.Flags()); err != nil {
		return err
	}

	marker, err := parser.ResolveMarkerFile(configFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve marker file")
		return err
	}

	if err := schedule.Touch(marker); err != nil {
		log.Error().Err(err).Str("marker", marker).Msg("failed to set trigger marker")
		return err
	}

	log.Info().Str("marker", marker).Msg("backup requested")
	return nil
}
