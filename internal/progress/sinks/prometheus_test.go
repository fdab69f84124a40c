package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"shopcap/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	taskID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{TaskID: taskID, TS: time.Now(), Stage: progress.StageTaskStart, Profile: "shopee-br", Kind: "pdp"},
		{
			TS:          time.Now(),
			Stage:       progress.StageNavDone,
			Profile:     "shopee-br",
			StatusClass: progress.Status2xx,
			Dur:         800 * time.Millisecond,
		},
		{TS: time.Now(), Stage: progress.StageCaptureMatch, Profile: "shopee-br", Kind: "pdp", Matched: 3},
		{TaskID: taskID, TS: time.Now(), Stage: progress.StageTaskDone, Profile: "shopee-br", Dur: 4 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksRunning))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.navTotal.WithLabelValues("shopee-br", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.matches.WithLabelValues("shopee-br", "pdp")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.navDuration, "capture_nav_duration_seconds"))
}

// TestPrometheusSinkControlEvents covers the circuit-trip and recycle counters.
func TestPrometheusSinkControlEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{TS: time.Now(), Stage: progress.StageCircuitTrip, Profile: "shopee-br", Reason: "captcha"},
		{TS: time.Now(), Stage: progress.StageCircuitTrip, Profile: "shopee-br", Reason: "captcha"},
		{TS: time.Now(), Stage: progress.StageRecycle, Profile: "shopee-mx"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.circuitTrips.WithLabelValues("shopee-br", "captcha")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.recycles.WithLabelValues("shopee-mx")))
}

// TestPrometheusSinkRunningGauge ensures error completions also release the running slot.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	taskID := progress.UUIDToBytes(uuid.New())
	start := []progress.Event{{TaskID: taskID, TS: time.Now(), Stage: progress.StageTaskStart, Profile: "p"}}
	require.NoError(t, sink.Consume(context.Background(), start))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))

	fail := []progress.Event{{
		TaskID:  taskID,
		TS:      time.Now(),
		Stage:   progress.StageTaskError,
		Profile: "p",
		Reason:  "timeout",
	}}
	require.NoError(t, sink.Consume(context.Background(), fail))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("error")))
}
