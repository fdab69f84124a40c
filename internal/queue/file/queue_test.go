package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shopcap/internal/capture"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *Queue, id string, created time.Time) {
	t.Helper()
	err := q.Enqueue(context.Background(), capture.Task{
		ID:          id,
		Kind:        capture.KindPDP,
		Params:      []byte(`{"url":"https://shopee.com.br/product/1/2"}`),
		MaxAttempts: 3,
		CreatedAt:   created,
	})
	require.NoError(t, err)
}

func TestEnqueueFillsDefaults(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	err := q.Enqueue(context.Background(), capture.Task{Kind: capture.KindSearch, Params: []byte(`{}`)})
	require.NoError(t, err)

	tasks, err := q.List(context.Background(), capture.Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.NotEmpty(t, tasks[0].ID)
	assert.Equal(t, capture.TaskQueued, tasks[0].Status)
	assert.False(t, tasks[0].CreatedAt.IsZero())
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	enqueue(t, q, "t1", time.Time{})
	err := q.Enqueue(context.Background(), capture.Task{ID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestDequeueBatchFIFOWithTieBreak(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enqueue(t, q, "b", base)
	enqueue(t, q, "a", base)
	enqueue(t, q, "c", base.Add(-time.Minute))

	tasks, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "c", tasks[0].ID)
	assert.Equal(t, "a", tasks[1].ID)
	assert.Equal(t, "b", tasks[2].ID)
	for _, task := range tasks {
		assert.Equal(t, capture.TaskRunning, task.Status)
	}
}

func TestDequeueBatchMarksRunningDurably(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	enqueue(t, q, "t1", time.Time{})
	enqueue(t, q, "t2", time.Time{})

	first, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The dequeued task must not be handed out again.
	second, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)

	third, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestMarkRequeueAndFail(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	enqueue(t, q, "t1", time.Time{})

	_, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, q.Mark(context.Background(), "t1", capture.TaskQueued, 1, "transport_error"))
	tasks, err := q.List(context.Background(), capture.Filter{Status: capture.TaskQueued})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempts)
	assert.Equal(t, "transport_error", tasks[0].ErrorText)

	require.NoError(t, q.Mark(context.Background(), "t1", capture.TaskFailed, 3, "transport_error"))
	tasks, err = q.List(context.Background(), capture.Filter{Status: capture.TaskFailed})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestMarkUnknownTask(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	err := q.Mark(context.Background(), "missing", capture.TaskDone, 1, "")
	require.ErrorIs(t, err, capture.ErrTaskNotFound)
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), capture.Task{ID: "p1", Kind: capture.KindPDP}))
	require.NoError(t, q.Enqueue(context.Background(), capture.Task{ID: "s1", Kind: capture.KindSearch}))

	pdp, err := q.List(context.Background(), capture.Filter{Kind: capture.KindPDP})
	require.NoError(t, err)
	require.Len(t, pdp, 1)
	assert.Equal(t, "p1", pdp[0].ID)
}

func TestQueueSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	enqueue(t, q, "t1", time.Time{})

	reopened, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	tasks, err := reopened.List(context.Background(), capture.Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestCorruptTaskFileSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	enqueue(t, q, "t1", time.Time{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o644))

	tasks, err := q.List(context.Background(), capture.Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}
