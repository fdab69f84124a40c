// Package recycler tracks capture volume per browser session and forces
// periodic restarts. Restarting after a fixed page budget, with a
// randomized cooldown before the replacement session, breaks up the
// behavioral pattern a long-lived session would otherwise show.
package recycler

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision tells the caller what to do with the current session.
type Decision int

// RecordPage outcomes.
const (
	KeepSession Decision = iota
	Recycle
)

// Config bounds the post-recycle cooldown window.
type Config struct {
	CooldownMin time.Duration
	CooldownMax time.Duration
}

// Recycler counts pages per profile against each profile's session
// budget. Page counts reset when the budget fires or when ResetPages is
// called after a session teardown.
type Recycler struct {
	mu      sync.Mutex
	pages   map[string]int
	budgets map[string]int
	cfg     Config
	logger  *zap.Logger
	rng     *rand.Rand
}

// New constructs a Recycler.
func New(cfg Config, logger *zap.Logger) *Recycler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recycler{
		pages:   make(map[string]int),
		budgets: make(map[string]int),
		cfg:     cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetBudget installs the pages-per-session budget for a profile. A
// non-positive budget disables recycling for that profile.
func (r *Recycler) SetBudget(profile string, pagesPerSession int) {
	r.mu.Lock()
	r.budgets[profile] = pagesPerSession
	r.mu.Unlock()
}

// RecordPage increments the page count for the profile's live session and
// reports whether the session must be recycled. Exactly one Recycle is
// returned per budget's worth of pages; the counter resets with it.
func (r *Recycler) RecordPage(profile string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	budget := r.budgets[profile]
	r.pages[profile]++
	if budget <= 0 || r.pages[profile] < budget {
		return KeepSession
	}
	r.pages[profile] = 0
	r.logger.Info("session page budget reached",
		zap.String("profile", profile),
		zap.Int("pages_per_session", budget),
	)
	return Recycle
}

// Pages returns the current page count for a profile's session.
func (r *Recycler) Pages(profile string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages[profile]
}

// ResetPages zeroes the counter, for use when a session is torn down for
// reasons other than the budget (a circuit trip).
func (r *Recycler) ResetPages(profile string) {
	r.mu.Lock()
	r.pages[profile] = 0
	r.mu.Unlock()
}

// Cooldown draws a duration uniformly from the configured window. The
// jitter is an anti-fingerprinting measure, not a performance knob.
func (r *Recycler) Cooldown() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	min, max := r.cfg.CooldownMin, r.cfg.CooldownMax
	if max <= min {
		return min
	}
	return min + time.Duration(r.rng.Int63n(int64(max-min)))
}
