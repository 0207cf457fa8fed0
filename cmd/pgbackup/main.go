// Package main is the entry point for pgbackup.
package main

import (
	"os"

	"github.com/fgeck/pgbackup-homelab/internal/models"
)

// Process exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitConfiguration = 2
	exitPrecondition  = 3
	exitStage         = 4
	exitScheduling    = 5
)

func main() {
	os.Exit(exitCode(Execute()))
}

// exitCode maps an error to the process exit status. Hook failures never
// reach this point as errors.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch models.ErrorKind(err) {
	case models.KindConfiguration:
		return exitConfiguration
	case models.KindPrecondition:
		return exitPrecondition
	case models.KindStage:
		return exitStage
	case models.KindScheduling:
		return exitScheduling
	default:
		return exitFailure
	}
}
