// Package queue wires the durable task queue backends. The consumer-facing
// interface lives in the capture package; this package holds the provider
// switch used at startup.
package queue

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"shopcap/internal/capture"
	"shopcap/internal/config"
	"shopcap/internal/queue/file"
	"shopcap/internal/queue/postgres"
)

// Open constructs the queue backend selected by config. The returned close
// function is a no-op for the file backend.
func Open(ctx context.Context, cfg config.QueueConfig, stateDir string, logger *zap.Logger) (capture.Queue, func(), error) {
	switch cfg.Provider {
	case "file", "":
		q, err := file.New(filepath.Join(stateDir, "queue", "tasks"), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open file queue: %w", err)
		}
		return q, func() {}, nil
	case "postgres":
		q, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres queue: %w", err)
		}
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue provider %q", cfg.Provider)
	}
}
