// Package ratelimit implements per-key token bucket throttling for
// navigation and capture actions.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrAcquireTimeout is returned when tokens could not be obtained before
// the context deadline. Callers must skip or requeue the task; this is an
// expected outcome, not a defect.
var ErrAcquireTimeout = errors.New("rate limit acquire timed out")

// Key identifies one token bucket. Profiles and proxies are throttled
// independently; a task needs tokens from both when both are tracked.
type Key string

// ProfileKey builds the bucket key for a profile.
func ProfileKey(name string) Key { return Key("profile:" + name) }

// ProxyKey builds the bucket key for a proxy egress.
func ProxyKey(url string) Key { return Key("proxy:" + url) }

// Config holds rate limiter defaults for buckets created on demand.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter manages per-key token buckets. Concurrent acquirers on the same
// key are serialized by the underlying bucket; the map itself is guarded
// by a mutex.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[Key]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a Limiter. A non-positive default RPS disables throttling
// for buckets that were never registered explicitly.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets:      make(map[Key]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Register installs a bucket with explicit capacity and refill rate,
// replacing any bucket created on demand for the key.
func (l *Limiter) Register(key Key, rps float64, burst int) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	l.buckets[key] = rate.NewLimiter(r, burst)
	l.mu.Unlock()
}

// Acquire obtains one token from every key's bucket, blocking until all
// are granted or the context expires. Deadline expiry returns
// ErrAcquireTimeout and releases any tokens already reserved, so a timed
// out call never leaks capacity.
func (l *Limiter) Acquire(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	now := time.Now()

	l.mu.Lock()
	reservations := make([]*rate.Reservation, 0, len(keys))
	var wait time.Duration
	for _, key := range keys {
		res := l.bucketLocked(key).ReserveN(now, 1)
		if !res.OK() {
			cancelAll(reservations, now)
			l.mu.Unlock()
			return fmt.Errorf("bucket %s cannot satisfy request", key)
		}
		reservations = append(reservations, res)
		if d := res.DelayFrom(now); d > wait {
			wait = d
		}
	}
	l.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
		cancelAll(reservations, now)
		return ErrAcquireTimeout
	}
	if wait == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		cancelAll(reservations, time.Now())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrAcquireTimeout
		}
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
}

// Tokens reports the current token count for a key, for observability.
func (l *Limiter) Tokens(key Key) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucketLocked(key).Tokens()
}

func (l *Limiter) bucketLocked(key Key) *rate.Limiter {
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.buckets[key] = bucket
	}
	return bucket
}

func cancelAll(reservations []*rate.Reservation, at time.Time) {
	for _, res := range reservations {
		res.CancelAt(at)
	}
}
