package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shopcap/internal/capture"
	"shopcap/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the durable task queue",
	}
	cmd.AddCommand(newQueueAddCmd(), newQueueListCmd())
	return cmd
}

func newQueueAddCmd() *cobra.Command {
	var (
		kind        string
		paramsJSON  string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a capture task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			switch capture.TaskKind(kind) {
			case capture.KindSearch, capture.KindPDP, capture.KindEnrich:
			default:
				return fmt.Errorf("unknown task kind %q", kind)
			}
			if !json.Valid([]byte(paramsJSON)) {
				return fmt.Errorf("params must be valid JSON")
			}
			if maxAttempts <= 0 {
				maxAttempts = cfg.Queue.MaxAttempts
			}

			q, closeQueue, err := queue.Open(cmd.Context(), cfg.Queue, cfg.StateDir, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			task := capture.Task{
				ID:          uuid.NewString(),
				Kind:        capture.TaskKind(kind),
				Params:      []byte(paramsJSON),
				MaxAttempts: maxAttempts,
			}
			if err := q.Enqueue(cmd.Context(), task); err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "pdp", "task kind: search, pdp, or enrich")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "{}", "opaque task params as JSON")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt ceiling (default from config)")
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var (
		status string
		kind   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			q, closeQueue, err := queue.Open(cmd.Context(), cfg.Queue, cfg.StateDir, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			tasks, err := q.List(cmd.Context(), capture.Filter{
				Status: capture.TaskStatus(status),
				Kind:   capture.TaskKind(kind),
			})
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tCREATED\tERROR")
			for _, task := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					task.ID,
					task.Kind,
					task.Status,
					task.Attempts,
					task.MaxAttempts,
					task.CreatedAt.Format("2006-01-02 15:04:05"),
					task.ErrorText,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: queued, running, done, failed")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind: search, pdp, enrich")
	return cmd
}
