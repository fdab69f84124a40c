package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"shopcap/internal/progress"
)

// PrometheusSink exports capture progress metrics via Prometheus. It owns all
// collectors for tasks started/completed/running, navigation results, endpoint
// matches, circuit trips, and session recycles.
type PrometheusSink struct {
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskDuration   *prometheus.HistogramVec

	navTotal    *prometheus.CounterVec
	navDuration *prometheus.HistogramVec
	matches     *prometheus.CounterVec

	circuitTrips *prometheus.CounterVec
	recycles     *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_tasks_started_total",
			Help: "Total tasks that have started.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_tasks_completed_total",
			Help: "Total tasks completed partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capture_tasks_running",
			Help: "Current number of running tasks.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_task_duration_seconds",
			Help:    "Wall time per completed task.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		}, []string{"result"}),
		navTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_nav_total",
			Help: "Navigation completions partitioned by profile and status class.",
		}, []string{"profile", "status_class"}),
		navDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_nav_duration_seconds",
			Help:    "Navigation duration partitioned by profile.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"profile"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_endpoint_matches_total",
			Help: "Captured endpoint responses partitioned by profile and task kind.",
		}, []string{"profile", "kind"}),
		circuitTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_circuit_trips_total",
			Help: "Circuit breaker trips partitioned by profile and reason.",
		}, []string{"profile", "reason"}),
		recycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_session_recycles_total",
			Help: "Session recycles partitioned by profile.",
		}, []string{"profile"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskDuration,
		s.navTotal,
		s.navDuration,
		s.matches,
		s.circuitTrips,
		s.recycles,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskStart, progress.StageTaskDone, progress.StageTaskError:
		s.handleTaskEvent(evt)
	case progress.StageNavDone:
		s.handleNavEvent(evt)
	case progress.StageCaptureMatch:
		s.matches.WithLabelValues(evt.Profile, kindLabel(evt.Kind)).Add(matchDelta(evt.Matched))
	case progress.StageCircuitTrip:
		s.circuitTrips.WithLabelValues(evt.Profile, evt.Reason).Inc()
	case progress.StageRecycle:
		s.recycles.WithLabelValues(evt.Profile).Inc()
	}
}

func (s *PrometheusSink) handleTaskEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskStart:
		s.tasksStarted.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskDone:
		s.tasksCompleted.WithLabelValues("success").Inc()
		s.observeDuration(evt, "success")
	case progress.StageTaskError:
		s.tasksCompleted.WithLabelValues("error").Inc()
		s.observeDuration(evt, "error")
	}
	if evt.Stage != progress.StageTaskStart && s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

func (s *PrometheusSink) observeDuration(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleNavEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.navTotal.WithLabelValues(evt.Profile, statusClass).Inc()
	if evt.Dur > 0 {
		s.navDuration.WithLabelValues(evt.Profile).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func kindLabel(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return kind
}

func matchDelta(matched int64) float64 {
	if matched <= 0 {
		return 1
	}
	return float64(matched)
}

type taskTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[[16]byte]struct{})}
}

func (t *taskTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
