package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitAuthFailure = 2
	exitPartial     = 3
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	a.close()
	stop()

	if logger.Log != nil {
		logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "attribution",
		Short:         "Click-id attribution cache and enrichment pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "directory holding attribution.yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newMigrateCmd(a),
		newEnrichCmd(a),
		newInspectCmd(a),
		newStatsCmd(a),
		newIngestCmd(a),
		newRefreshCmd(a),
		newTokenCmd(a),
		newServeCmd(a),
	)
	return root, a
}

// exitCode maps a command error to the documented exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case apperrors.IsAuthFailure(err):
		return exitAuthFailure
	case errors.Is(err, apperrors.ErrPartial):
		return exitPartial
	default:
		return exitFailure
	}
}
