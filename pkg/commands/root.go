// Package commands implements the kkcode command line: one-shot foreground
// runs, the long-running serve mode with its control API, and read-only
// inspection of sessions and checkpoints.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kkelly-offical/kkcode-sub002/pkg/config"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the kkcode command tree.
func NewRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "kkcode",
		Short: "Staged parallel orchestrator for a coding agent",
		Long: `kkcode drives a headless coding agent through a staged plan:
it freezes a plan for the objective, fans each stage out to parallel
workers with disjoint file ownership, and walks quality gates between
stages. All progress is checkpointed, so interrupted runs resume from
where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (defaults to ./kkcode.yaml when present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newRunCmd(&configPath),
		newServeCmd(&configPath),
		newSessionsCmd(&configPath),
		newCheckpointsCmd(&configPath),
		newVersionCmd(),
	)
	return cmd
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig loads .env into the environment, then builds the merged
// configuration. A missing .env file is not an error.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using existing environment")
	}
	return config.Initialize(ctx, path)
}
