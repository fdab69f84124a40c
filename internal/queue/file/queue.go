// Package file implements the durable single-host task queue: one JSON file
// per task, atomic tmp+rename writes, FIFO by created_at.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shopcap/internal/capture"
)

// Queue stores tasks as individual JSON files under dir. A mutex serializes
// all operations; the queue is built for a single consumer process.
type Queue struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
	clock  capture.Clock
}

// New creates the queue directory if needed and returns a ready Queue.
func New(dir string, logger *zap.Logger) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("queue dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{dir: dir, logger: logger, clock: capture.SystemClock{}}, nil
}

// WithClock overrides the wall clock, primarily for tests.
func (q *Queue) WithClock(clock capture.Clock) *Queue {
	q.clock = clock
	return q
}

// Enqueue persists a new task. Missing ID, status, and timestamps are
// filled in; an existing file with the same ID is an error.
func (q *Queue) Enqueue(ctx context.Context, task capture.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = capture.TaskQueued
	}
	now := q.clock.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if _, err := os.Stat(q.path(task.ID)); err == nil {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return q.write(task)
}

// DequeueBatch returns up to max queued tasks in FIFO order and atomically
// marks them running before returning.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]capture.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.loadAll()
	if err != nil {
		return nil, err
	}
	queued := tasks[:0]
	for _, task := range tasks {
		if task.Status == capture.TaskQueued {
			queued = append(queued, task)
		}
	}
	sortFIFO(queued)
	if max > 0 && len(queued) > max {
		queued = queued[:max]
	}
	now := q.clock.Now()
	out := make([]capture.Task, 0, len(queued))
	for _, task := range queued {
		task.Status = capture.TaskRunning
		task.UpdatedAt = now
		if err := q.write(task); err != nil {
			return nil, fmt.Errorf("mark running %s: %w", task.ID, err)
		}
		out = append(out, task)
	}
	return out, nil
}

// Mark updates a task's status, attempt count, and error text.
func (q *Queue) Mark(ctx context.Context, taskID string, status capture.TaskStatus, attempts int, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.read(taskID)
	if err != nil {
		return err
	}
	task.Status = status
	task.Attempts = attempts
	task.ErrorText = errText
	task.UpdatedAt = q.clock.Now()
	return q.write(task)
}

// List returns tasks matching the filter in FIFO order.
func (q *Queue) List(ctx context.Context, filter capture.Filter) ([]capture.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.loadAll()
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, task := range tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && task.Kind != filter.Kind {
			continue
		}
		out = append(out, task)
	}
	sortFIFO(out)
	return out, nil
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}

func (q *Queue) read(id string) (capture.Task, error) {
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return capture.Task{}, fmt.Errorf("task %s: %w", id, capture.ErrTaskNotFound)
		}
		return capture.Task{}, fmt.Errorf("read task %s: %w", id, err)
	}
	var task capture.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return capture.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// write persists a task with tmp+rename so readers never observe a torn
// file after a crash mid-write.
func (q *Queue) write(task capture.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	tmp := q.path(task.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task %s: %w", task.ID, err)
	}
	if err := os.Rename(tmp, q.path(task.ID)); err != nil {
		return fmt.Errorf("rename task %s: %w", task.ID, err)
	}
	return nil
}

func (q *Queue) loadAll() ([]capture.Task, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	tasks := make([]capture.Task, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			q.logger.Warn("skipping unreadable task file", zap.String("file", name), zap.Error(err))
			continue
		}
		var task capture.Task
		if err := json.Unmarshal(data, &task); err != nil {
			q.logger.Warn("skipping corrupt task file", zap.String("file", name), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// sortFIFO orders tasks oldest-first; equal timestamps tie-break by ID so
// the order is stable across loads.
func sortFIFO(tasks []capture.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
