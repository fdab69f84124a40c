package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <profile>",
		Short: "Clear a tripped circuit so the profile can dispatch again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			breaker, err := openBreaker(cfg.StateDir, cfg.Circuit.SoftMode, logger)
			if err != nil {
				return err
			}
			if err := breaker.Reset(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "circuit reset for profile %s\n", args[0])
			return nil
		},
	}
}
