package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/pgbackup-homelab/internal/models"
	"github.com/fgeck/pgbackup-homelab/internal/services/job"
	"github.com/fgeck/pgbackup-homelab/internal/services/keyring"
	"github.com/fgeck/pgbackup-homelab/internal/services/schedule"
	"github.com/fgeck/pgbackup-homelab/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the resolved configuration",
	Long: `Resolve the configuration from flags, environment and config file and print
it without running a backup. The cron schedule and, when encryption is
enabled, the recipient key are checked as well. With --probe the remote
shutdown host is contacted over SSH without shutting it down.`,
	RunE: validateConfig,
}

var probeShutdown bool

func init() {
	addBackupFlags(validateCmd.Flags())
	validateCmd.Flags().BoolVar(&probeShutdown, "probe", false, "test the SSH connection used for remote shutdown")
}

//nolint:gocyclo // printing every optional section
func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var next time.Time
	if cfg.Schedule.Cron != "" {
		sched, err := schedule.ParseCron(cfg.Schedule.Cron)
		if err != nil {
			log.Error().Err(err).Msg("configuration validation failed")
			return err
		}
		next = sched.Next(time.Now())
	}

	keys := keyring.New(log.Logger)
	var keyInfo *keyring.KeyInfo
	if cfg.Encrypt && cfg.GPG.Key == "" {
		if err := keys.Check(cfg.GPG.KeyFile); err != nil {
			err = &models.PreconditionError{Err: err}
			log.Error().Err(err).Msg("configuration validation failed")
			return err
		}
		if info, err := keys.Inspect(cfg.GPG.KeyFile); err == nil {
			keyInfo = info
		} else {
			log.Warn().Err(err).Str("file", cfg.GPG.KeyFile).Msg("recipient key could not be parsed")
		}
	}

	spec := job.BuildSpec(cfg.ForRun(time.Now()))

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Database:")
	fmt.Printf("  Host: %s\n", cfg.Postgres.Host)
	fmt.Printf("  Port: %d\n", cfg.Postgres.Port)
	fmt.Printf("  Database: %s\n", cfg.Postgres.Database)
	fmt.Printf("  User: %s\n", cfg.Postgres.Username)
	fmt.Printf("  Password: %s\n", configured(cfg.Postgres.Password != ""))
	fmt.Println()
	fmt.Println("Pipeline:")
	for _, st := range spec.Stages {
		fmt.Printf("  %s: %s\n", st.Name, strings.Join(st.Argv, " "))
	}
	fmt.Printf("  Artifact: %s\n", spec.OutputPath)
	fmt.Printf("  Timestamped: %v\n", cfg.Output.Timestamp)
	fmt.Println()
	fmt.Println("Finalizer:")
	if cfg.Owner.Complete() {
		fmt.Printf("  Owner: %d:%d\n", *cfg.Owner.UID, *cfg.Owner.GID)
	} else {
		fmt.Printf("  Owner: unchanged\n")
	}
	if cfg.PostHook.Path != "" {
		fmt.Printf("  Post-backup script: %s\n", cfg.PostHook.Path)
	} else {
		fmt.Printf("  Post-backup script: none\n")
	}
	fmt.Println()
	fmt.Println("Schedule:")
	if cfg.Schedule.Cron != "" {
		fmt.Printf("  Cron: %s\n", cfg.Schedule.Cron)
		fmt.Printf("  Next run: %s\n", next.Format(time.RFC3339))
		fmt.Printf("  Run on start: %v\n", cfg.Schedule.RunOnStart)
		fmt.Printf("  Marker file: %s (polled every %s)\n", cfg.Schedule.MarkerFile, cfg.Schedule.PollInterval)
	} else {
		fmt.Println("  One-shot")
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Encryption: %v\n", cfg.Encrypt)
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  Remote shutdown: %v\n", cfg.Shutdown != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Log file: %s\n", cfg.Log.File)

	if cfg.Encrypt {
		fmt.Println()
		fmt.Println("Recipient Key:")
		fmt.Printf("  File: %s\n", cfg.GPG.KeyFile)
		switch {
		case cfg.GPG.Key != "":
			fmt.Println("  Source: KEY environment (installed at startup)")
		case keyInfo != nil:
			fmt.Printf("  Fingerprint: %s\n", keyInfo.Fingerprint)
			for _, id := range keyInfo.Identities {
				fmt.Printf("  Identity: %s\n", id)
			}
		}
	}

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		if cfg.WOL.PollAddress != "" {
			fmt.Printf("  Wait for: %s\n", cfg.WOL.PollAddress)
		}
	}

	if cfg.Shutdown != nil {
		fmt.Println()
		fmt.Println("Remote Shutdown:")
		fmt.Printf("  Host: %s:%d\n", cfg.Shutdown.Host, cfg.Shutdown.Port)
		fmt.Printf("  User: %s\n", cfg.Shutdown.Username)
		fmt.Printf("  Key: %s\n", cfg.Shutdown.KeyPath)
		if cfg.Shutdown.KnownHostsFile != "" {
			fmt.Printf("  Known hosts: %s\n", cfg.Shutdown.KnownHostsFile)
		} else {
			fmt.Println("  Known hosts: (host key not verified)")
		}
		fmt.Printf("  Command: %s\n", ssh.ShutdownCommand(*cfg.Shutdown))

		if probeShutdown {
			ctx, cancel := signalContext()
			defer cancel()
			probe, err := ssh.New(log.Logger).TestConnection(ctx, *cfg.Shutdown)
			if err == nil {
				err = probe.Error
			}
			if err != nil {
				fmt.Printf("  Probe: failed (%v)\n", err)
				return &models.PreconditionError{Err: fmt.Errorf("remote shutdown host unreachable: %w", err)}
			}
			fmt.Println("  Probe: ok")
		}
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
		fmt.Printf("  Failures only: %v\n", cfg.Telegram.OnFailure)
	}

	return nil
}

func configured(ok bool) string {
	if ok {
		return "(configured)"
	}
	return "(not set)"
}
