package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shopcap/internal/api"
	"shopcap/internal/queue"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status and metrics API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			breaker, err := openBreaker(cfg.StateDir, cfg.Circuit.SoftMode, logger)
			if err != nil {
				return err
			}
			q, closeQueue, err := queue.Open(ctx, cfg.Queue, cfg.StateDir, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			srv := api.NewServer(breaker, nil, q, nil, logger)
			return srv.Serve(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
		},
	}
}
