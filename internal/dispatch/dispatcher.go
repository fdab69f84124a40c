// Package dispatch runs batches of capture tasks against live browser
// sessions under the control plane's safety rules: bounded concurrency,
// rate-limit acquisition, circuit checks, retry with backoff, and session
// recycling.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shopcap/internal/capture"
	"shopcap/internal/control/circuit"
	"shopcap/internal/control/ratelimit"
	"shopcap/internal/control/recycler"
	"shopcap/internal/progress"
)

// Config governs batch execution behavior.
type Config struct {
	AcquireTimeout  time.Duration
	StaggerInterval time.Duration
	PerTaskTimeout  time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// Dispatcher coordinates the control components for one profile's task
// stream. It owns session lifecycle through the Registry and reports every
// outcome to the queue, the recycler, and the progress hub.
type Dispatcher struct {
	limiter   *ratelimit.Limiter
	breaker   *circuit.Breaker
	recycler  *recycler.Recycler
	transport capture.Transport
	queue     capture.Queue
	emitter   progress.Emitter
	registry  *Registry
	retry     *retryPolicy
	cfg       Config
	clock     capture.Clock
	logger    *zap.Logger
}

// New constructs a Dispatcher. The queue and emitter are optional; a nil
// queue skips durable status marks and a nil emitter drops events.
func New(
	limiter *ratelimit.Limiter,
	breaker *circuit.Breaker,
	rec *recycler.Recycler,
	transport capture.Transport,
	queue capture.Queue,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		limiter:   limiter,
		breaker:   breaker,
		recycler:  rec,
		transport: transport,
		queue:     queue,
		emitter:   emitter,
		registry:  NewRegistry(capture.SystemClock{}),
		retry:     newRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		cfg:       cfg,
		clock:     capture.SystemClock{},
		logger:    logger,
	}
}

// Sessions exposes the session registry for status surfaces.
func (d *Dispatcher) Sessions() *Registry {
	return d.registry
}

// sessionStream holds the profile's current live session. Recycling holds
// the mutex across teardown, cooldown, and replacement so every task in
// the stream waits out the cooldown.
type sessionStream struct {
	mu      sync.Mutex
	session capture.Session
}

func (s *sessionStream) current() capture.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Run executes the batch for one profile and returns one result per task,
// indexed like the input. Expected failures (rate limit timeouts, circuit
// trips) appear as results; only invariant violations return an error.
func (d *Dispatcher) Run(ctx context.Context, profile capture.Profile, tasks []capture.Task) ([]capture.TaskResult, error) {
	results := make([]capture.TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	if d.breaker.IsTripped(profile.Name) {
		for i, task := range tasks {
			results[i] = d.skip(ctx, task, capture.FailCircuitTripped)
		}
		return results, nil
	}

	session, err := d.registry.Start(profile.Name)
	if err != nil {
		return nil, err
	}
	defer d.registry.End(profile.Name)
	stream := &sessionStream{session: session}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := d.breaker.Bind(profile.Name, cancel)
	defer release()

	var watchWG sync.WaitGroup
	if profile.InactivityTimeout > 0 {
		watchWG.Add(1)
		go func() {
			defer watchWG.Done()
			d.breaker.WatchInactivity(batchCtx, profile.Name, profile.InactivityTimeout)
		}()
	}

	maxConc := profile.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func(idx int, task capture.Task) {
			defer wg.Done()
			stagger := d.cfg.StaggerInterval * time.Duration(idx%maxConc)
			if err := sleepCtx(batchCtx, stagger); err != nil {
				results[idx] = d.abortResult(ctx, profile, task)
				return
			}
			select {
			case sem <- struct{}{}:
			case <-batchCtx.Done():
				results[idx] = d.abortResult(ctx, profile, task)
				return
			}
			defer func() { <-sem }()
			results[idx] = d.runTask(batchCtx, profile, stream, task)
		}(i, tasks[i])
	}
	wg.Wait()
	cancel()
	watchWG.Wait()
	return results, nil
}

func (d *Dispatcher) runTask(ctx context.Context, profile capture.Profile, stream *sessionStream, task capture.Task) capture.TaskResult {
	if d.breaker.IsTripped(profile.Name) {
		return d.skip(ctx, task, capture.FailCircuitTripped)
	}

	keys := []ratelimit.Key{ratelimit.ProfileKey(profile.Name)}
	if profile.ProxyURL != "" {
		keys = append(keys, ratelimit.ProxyKey(profile.ProxyURL))
	}
	acquireCtx := ctx
	acquireCancel := func() {}
	if d.cfg.AcquireTimeout > 0 {
		acquireCtx, acquireCancel = context.WithTimeout(ctx, d.cfg.AcquireTimeout)
	}
	err := d.limiter.Acquire(acquireCtx, keys...)
	acquireCancel()
	if err != nil {
		if errors.Is(err, ratelimit.ErrAcquireTimeout) {
			return d.requeue(ctx, task, capture.FailRateLimited, "rate limit acquire timed out")
		}
		return d.abortResult(ctx, profile, task)
	}

	d.emit(progress.Event{
		TaskID:  taskUUID(task.ID),
		TS:      d.clock.Now(),
		Stage:   progress.StageTaskStart,
		Profile: profile.Name,
		Kind:    string(task.Kind),
	})
	start := d.clock.Now()

	res, execErr := d.execute(ctx, stream, task)
	elapsed := d.clock.Now().Sub(start)

	if execErr != nil {
		return d.failTask(ctx, profile, task, execErr, elapsed)
	}

	d.emit(progress.Event{
		TS:          d.clock.Now(),
		Stage:       progress.StageNavDone,
		Profile:     profile.Name,
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Dur:         res.Duration,
	})

	if res.Block != capture.BlockNone {
		d.breaker.Report(circuit.Observation{Profile: profile.Name, Block: res.Block})
		result := d.requeue(ctx, task, capture.FailCircuitTripped, string(res.Block))
		result.Result = res
		return result
	}

	if res.Matched > 0 {
		d.breaker.Report(circuit.Observation{Profile: profile.Name, Matched: res.Matched})
		d.emit(progress.Event{
			TS:      d.clock.Now(),
			Stage:   progress.StageCaptureMatch,
			Profile: profile.Name,
			Kind:    string(task.Kind),
			Matched: int64(res.Matched),
		})
	}

	attempts := task.Attempts + 1
	d.mark(ctx, task.ID, capture.TaskDone, attempts, "")
	d.emit(progress.Event{
		TaskID:  taskUUID(task.ID),
		TS:      d.clock.Now(),
		Stage:   progress.StageTaskDone,
		Profile: profile.Name,
		Kind:    string(task.Kind),
		Dur:     elapsed,
	})

	if d.recycler.RecordPage(profile.Name) == recycler.Recycle {
		d.recycleSession(ctx, profile, stream)
	}

	return capture.TaskResult{
		TaskID:   task.ID,
		Status:   capture.TaskDone,
		Result:   res,
		Attempts: attempts,
	}
}

// execute runs the transport with the per-task deadline, retrying only
// transient errors.
func (d *Dispatcher) execute(ctx context.Context, stream *sessionStream, task capture.Task) (capture.Result, error) {
	for attempt := 0; ; attempt++ {
		session := stream.current()
		taskCtx := ctx
		taskCancel := func() {}
		if d.cfg.PerTaskTimeout > 0 {
			taskCtx, taskCancel = context.WithTimeout(ctx, d.cfg.PerTaskTimeout)
		}
		res, err := d.transport.Execute(taskCtx, session, task)
		taskCancel()
		if err == nil {
			return res, nil
		}
		if !d.retry.shouldRetry(err, attempt) {
			return res, err
		}
		d.logger.Debug("retrying task after transient error",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if sleepErr := sleepCtx(ctx, d.retry.backoff(attempt)); sleepErr != nil {
			return res, err
		}
	}
}

// failTask classifies an execution error into an expected failure result
// and applies the requeue-or-fail attempt policy.
func (d *Dispatcher) failTask(ctx context.Context, profile capture.Profile, task capture.Task, execErr error, elapsed time.Duration) capture.TaskResult {
	reason := capture.FailTransport
	if errors.Is(execErr, context.DeadlineExceeded) {
		reason = capture.FailTimeout
	}
	if ctx.Err() != nil && d.breaker.IsTripped(profile.Name) {
		return d.skip(ctx, task, capture.FailCircuitTripped)
	}

	attempts := task.Attempts + 1
	status := capture.TaskQueued
	if task.MaxAttempts > 0 && attempts >= task.MaxAttempts {
		status = capture.TaskFailed
	}
	d.mark(ctx, task.ID, status, attempts, execErr.Error())
	d.emit(progress.Event{
		TaskID:  taskUUID(task.ID),
		TS:      d.clock.Now(),
		Stage:   progress.StageTaskError,
		Profile: profile.Name,
		Kind:    string(task.Kind),
		Reason:  string(reason),
		Dur:     elapsed,
		Note:    execErr.Error(),
	})
	return capture.TaskResult{
		TaskID:   task.ID,
		Status:   capture.TaskFailed,
		Reason:   reason,
		Attempts: attempts,
	}
}

// recycleSession tears down the live session, waits out the jittered
// cooldown while holding the stream lock, and starts the replacement. A
// profile that tripped during the cooldown gets no replacement.
func (d *Dispatcher) recycleSession(ctx context.Context, profile capture.Profile, stream *sessionStream) {
	stream.mu.Lock()
	defer stream.mu.Unlock()

	d.registry.End(profile.Name)
	cooldown := d.recycler.Cooldown()
	d.emit(progress.Event{
		TS:      d.clock.Now(),
		Stage:   progress.StageRecycle,
		Profile: profile.Name,
		Dur:     cooldown,
	})
	d.logger.Info("recycling session",
		zap.String("profile", profile.Name),
		zap.Duration("cooldown", cooldown),
	)
	if err := sleepCtx(ctx, cooldown); err != nil {
		return
	}
	if d.breaker.IsTripped(profile.Name) {
		d.logger.Warn("profile tripped during cooldown; no replacement session",
			zap.String("profile", profile.Name))
		return
	}
	session, err := d.registry.Start(profile.Name)
	if err != nil {
		d.logger.Error("replacement session start failed",
			zap.String("profile", profile.Name), zap.Error(err))
		return
	}
	stream.session = session
}

// skip records an expected failure without calling the transport. The task
// stays queued so it runs once the operator resets the profile.
func (d *Dispatcher) skip(ctx context.Context, task capture.Task, reason capture.FailureReason) capture.TaskResult {
	return d.requeue(ctx, task, reason, string(reason))
}

// requeue marks the task queued again without burning an attempt and
// returns a failed result with the given reason.
func (d *Dispatcher) requeue(ctx context.Context, task capture.Task, reason capture.FailureReason, errText string) capture.TaskResult {
	d.mark(ctx, task.ID, capture.TaskQueued, task.Attempts, errText)
	return capture.TaskResult{
		TaskID:   task.ID,
		Status:   capture.TaskFailed,
		Reason:   reason,
		Attempts: task.Attempts,
	}
}

// abortResult handles tasks interrupted by batch cancellation: a tripped
// breaker means circuit_tripped; anything else is an external cancel.
func (d *Dispatcher) abortResult(ctx context.Context, profile capture.Profile, task capture.Task) capture.TaskResult {
	if d.breaker.IsTripped(profile.Name) {
		return d.skip(ctx, task, capture.FailCircuitTripped)
	}
	return d.requeue(ctx, task, capture.FailTransport, "batch canceled")
}

func (d *Dispatcher) mark(ctx context.Context, taskID string, status capture.TaskStatus, attempts int, errText string) {
	if d.queue == nil {
		return
	}
	if err := d.queue.Mark(context.WithoutCancel(ctx), taskID, status, attempts, errText); err != nil {
		d.logger.Error("task status update failed",
			zap.String("task_id", taskID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) emit(evt progress.Event) {
	if d.emitter == nil {
		return
	}
	d.emitter.Emit(evt)
}

func taskUUID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return progress.UUIDToBytes(parsed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
