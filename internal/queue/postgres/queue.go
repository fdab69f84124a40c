// Package postgres implements the task queue on a Postgres table, for
// deployments where multiple hosts share one backlog.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"shopcap/internal/capture"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the task table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Queue reads and writes capture tasks in Postgres. Dequeues lock rows with
// FOR UPDATE SKIP LOCKED so concurrent consumers never double-claim a task.
type Queue struct {
	pool  pgxPool
	table string
}

// New creates a Postgres-backed Queue using the provided config.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "capture_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Queue{pool: pool, table: table}, nil
}

// NewWithPool constructs a Queue from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "capture_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Queue{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (q *Queue) Close() {
	if q == nil || q.pool == nil {
		return
	}
	q.pool.Close()
}

// Enqueue inserts a new queued task row.
func (q *Queue) Enqueue(ctx context.Context, task capture.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Status == "" {
		task.Status = capture.TaskQueued
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, params, status, attempts, max_attempts, created_at, updated_at, error_text)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, q.table)
	_, err := q.pool.Exec(ctx, query,
		task.ID,
		string(task.Kind),
		[]byte(task.Params),
		string(task.Status),
		task.Attempts,
		task.MaxAttempts,
		task.CreatedAt,
		now,
		task.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// DequeueBatch claims up to max queued tasks inside a transaction. Claimed
// rows move to running before the transaction commits.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]capture.Task, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`
SELECT id, kind, params, status, attempts, max_attempts, created_at, updated_at, error_text
FROM %s
WHERE status = 'queued'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`, q.table)
	rows, err := tx.Query(ctx, query, max)
	if err != nil {
		return nil, fmt.Errorf("select queued tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
		tasks[i].Status = capture.TaskRunning
	}
	update := fmt.Sprintf(`UPDATE %s SET status = 'running', updated_at = now() WHERE id = ANY($1)`, q.table)
	if _, err := tx.Exec(ctx, update, ids); err != nil {
		return nil, fmt.Errorf("mark tasks running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit dequeue tx: %w", err)
	}
	return tasks, nil
}

// Mark updates a task's status, attempt count, and error text.
func (q *Queue) Mark(ctx context.Context, taskID string, status capture.TaskStatus, attempts int, errText string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, attempts = $3, error_text = $4, updated_at = now() WHERE id = $1`, q.table)
	tag, err := q.pool.Exec(ctx, query, taskID, string(status), attempts, errText)
	if err != nil {
		return fmt.Errorf("mark task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, capture.ErrTaskNotFound)
	}
	return nil
}

// List returns tasks matching the filter in FIFO order.
func (q *Queue) List(ctx context.Context, filter capture.Filter) ([]capture.Task, error) {
	query := fmt.Sprintf(`
SELECT id, kind, params, status, attempts, max_attempts, created_at, updated_at, error_text
FROM %s
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR kind = $2)
ORDER BY created_at, id`, q.table)
	rows, err := q.pool.Query(ctx, query, string(filter.Status), string(filter.Kind))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

func scanTasks(rows pgx.Rows) ([]capture.Task, error) {
	defer rows.Close()
	var tasks []capture.Task
	for rows.Next() {
		var task capture.Task
		var kind, status string
		var params []byte
		if err := rows.Scan(
			&task.ID,
			&kind,
			&params,
			&status,
			&task.Attempts,
			&task.MaxAttempts,
			&task.CreatedAt,
			&task.UpdatedAt,
			&task.ErrorText,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		task.Kind = capture.TaskKind(kind)
		task.Status = capture.TaskStatus(status)
		task.Params = params
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}
