// Package circuit implements the per-profile block-detection state
// machine. A tripped profile stays tripped, across process restarts, until
// an operator resets it: resuming automatically after a detected block
// compounds the damage to account and IP reputation.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shopcap/internal/capture"
)

// Status is the circuit state for one profile.
type Status string

// Circuit states. Degraded only occurs in soft mode.
const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusTripped  Status = "tripped"
)

// State is the per-profile circuit record.
type State struct {
	Profile      string              `json:"profile_name"`
	Status       Status              `json:"status"`
	Reason       capture.BlockReason `json:"trip_reason"`
	TrippedAt    time.Time           `json:"timestamp"`
	LastActivity time.Time           `json:"-"`
}

// Observation is one capture outcome reported by the dispatcher.
type Observation struct {
	Profile string
	Block   capture.BlockReason
	Matched int
}

// Store persists circuit state across process invocations.
type Store interface {
	Save(state State) error
	LoadAll() ([]State, error)
	Delete(profile string) error
}

// Config controls breaker behavior.
type Config struct {
	// SoftMode records block signals as degraded and keeps dispatching.
	// The inactivity clock advances identically in both modes; only the
	// blocking consequence differs.
	SoftMode bool
}

// Breaker owns all per-profile circuit state. CircuitState is shared
// mutable data; every access goes through the mutex.
type Breaker struct {
	mu     sync.Mutex
	states map[string]*State
	binds  map[string][]*binding
	cfg    Config
	store  Store
	clock  capture.Clock
	logger *zap.Logger

	// onTransition, when set, observes every state change. Used to feed
	// the progress hub.
	onTransition func(State)
}

type binding struct {
	cancel context.CancelFunc
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the wall clock (testing).
func WithClock(clock capture.Clock) Option {
	return func(b *Breaker) { b.clock = clock }
}

// WithTransitionHook registers a callback invoked after every state
// change, outside the breaker lock.
func WithTransitionHook(fn func(State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New constructs a Breaker and loads persisted state, so profiles tripped
// by a previous run refuse work until reset.
func New(cfg Config, store Store, logger *zap.Logger, opts ...Option) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		states: make(map[string]*State),
		binds:  make(map[string][]*binding),
		cfg:    cfg,
		store:  store,
		clock:  capture.SystemClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if store != nil {
		persisted, err := store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load circuit state: %w", err)
		}
		for _, st := range persisted {
			stCopy := st
			b.states[st.Profile] = &stCopy
			if st.Status == StatusTripped {
				logger.Warn("profile is tripped from a previous run; reset required",
					zap.String("profile", st.Profile),
					zap.String("reason", string(st.Reason)),
					zap.Time("tripped_at", st.TrippedAt),
				)
			}
		}
	}
	return b, nil
}

// Report feeds one capture observation into the state machine and returns
// the profile's current status. A block signal trips (or degrades, in soft
// mode) the profile; a matched capture event refreshes the inactivity
// clock.
func (b *Breaker) Report(obs Observation) Status {
	b.mu.Lock()
	st := b.stateLocked(obs.Profile)
	if obs.Matched > 0 {
		st.LastActivity = b.clock.Now()
	}
	var transitioned *State
	if obs.Block != capture.BlockNone && st.Status != StatusTripped {
		transitioned = b.tripLocked(st, obs.Block)
	}
	status := st.Status
	b.mu.Unlock()

	if transitioned != nil {
		b.afterTransition(*transitioned)
	}
	return status
}

// IsTripped reports whether dispatch for the profile must stop.
func (b *Breaker) IsTripped(profile string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(profile).Status == StatusTripped
}

// Status returns a copy of the profile's circuit record.
func (b *Breaker) Status(profile string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.stateLocked(profile)
}

// States returns a snapshot of every known profile record.
func (b *Breaker) States() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]State, 0, len(b.states))
	for _, st := range b.states {
		out = append(out, *st)
	}
	return out
}

// Reset transitions a tripped or degraded profile back to healthy. This is
// the only path out of tripped, and it is always operator-initiated.
func (b *Breaker) Reset(profile string) error {
	b.mu.Lock()
	st := b.stateLocked(profile)
	st.Status = StatusHealthy
	st.Reason = capture.BlockNone
	st.TrippedAt = time.Time{}
	snapshot := *st
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.Delete(profile); err != nil {
			return fmt.Errorf("clear persisted circuit state: %w", err)
		}
	}
	b.logger.Info("circuit reset", zap.String("profile", profile))
	if b.onTransition != nil {
		b.onTransition(snapshot)
	}
	return nil
}

// Bind attaches a cancel function fired when the profile trips, giving
// in-flight work a cooperative cancellation signal. The returned release
// must be called when the batch finishes.
func (b *Breaker) Bind(profile string, cancel context.CancelFunc) (release func()) {
	bd := &binding{cancel: cancel}
	b.mu.Lock()
	alreadyTripped := b.stateLocked(profile).Status == StatusTripped
	b.binds[profile] = append(b.binds[profile], bd)
	b.mu.Unlock()

	// Trip raced ahead of the bind; fire immediately.
	if alreadyTripped {
		cancel()
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		binds := b.binds[profile]
		for i, cur := range binds {
			if cur == bd {
				b.binds[profile] = append(binds[:i], binds[i+1:]...)
				break
			}
		}
	}
}

// WatchInactivity blocks until ctx is done, tripping the profile with
// reason inactivity if no matched capture event arrives for timeout. Run
// it for the lifetime of a live session; task timeouts accumulate into
// this signal because only matched events refresh the clock.
func (b *Breaker) WatchInactivity(ctx context.Context, profile string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	b.mu.Lock()
	b.stateLocked(profile).LastActivity = b.clock.Now()
	b.mu.Unlock()

	interval := timeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			st := b.stateLocked(profile)
			idle := b.clock.Now().Sub(st.LastActivity)
			var transitioned *State
			if st.Status != StatusTripped && idle >= timeout {
				transitioned = b.tripLocked(st, capture.BlockInactivity)
			}
			tripped := st.Status == StatusTripped
			b.mu.Unlock()
			if transitioned != nil {
				b.afterTransition(*transitioned)
			}
			if tripped {
				return
			}
		}
	}
}

// tripLocked applies a block signal. Caller holds the lock; the returned
// snapshot, if non-nil, must be passed to afterTransition once released.
func (b *Breaker) tripLocked(st *State, reason capture.BlockReason) *State {
	if b.cfg.SoftMode {
		st.Status = StatusDegraded
	} else {
		st.Status = StatusTripped
	}
	st.Reason = reason
	st.TrippedAt = b.clock.Now()
	snapshot := *st

	if st.Status == StatusTripped {
		for _, bd := range b.binds[st.Profile] {
			bd.cancel()
		}
	}
	return &snapshot
}

func (b *Breaker) afterTransition(st State) {
	level := b.logger.Warn
	if st.Status == StatusDegraded {
		level = b.logger.Info
	}
	level("circuit transition",
		zap.String("profile", st.Profile),
		zap.String("status", string(st.Status)),
		zap.String("reason", string(st.Reason)),
	)
	if b.store != nil {
		if err := b.store.Save(st); err != nil {
			b.logger.Error("persist circuit state failed",
				zap.String("profile", st.Profile), zap.Error(err))
		}
	}
	if b.onTransition != nil {
		b.onTransition(st)
	}
}

func (b *Breaker) stateLocked(profile string) *State {
	st, ok := b.states[profile]
	if !ok {
		st = &State{
			Profile:      profile,
			Status:       StatusHealthy,
			Reason:       capture.BlockNone,
			LastActivity: b.clock.Now(),
		}
		b.states[profile] = st
	}
	return st
}
