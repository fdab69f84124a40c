// Package cmd defines and implements the CLI commands for the shopcap
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shopcap/internal/config"
	"shopcap/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shopcap",
		Short: "Safety-first capture orchestration for e-commerce scraping",
		Long: `shopcap runs browser-based capture tasks against e-commerce sites under
strict safety controls: per-profile rate limits, block-detection circuit
breakers, session recycling, and a durable task queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./shopcap.yaml)")
	cmd.AddCommand(
		newQueueCmd(),
		newRunCmd(),
		newStatusCmd(),
		newResetCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadEnv resolves configuration and builds the logger for a subcommand.
func loadEnv() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	for _, issue := range cfg.CheckEnvironment() {
		logger.Warn("environment check",
			zap.String("profile", issue.Profile),
			zap.String("issue", issue.Message),
		)
	}
	return cfg, logger, nil
}
