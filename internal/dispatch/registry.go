package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"shopcap/internal/capture"
)

// ErrSessionLive is returned when a second live session is requested for a
// profile that already has one.
var ErrSessionLive = errors.New("profile already has a live session")

// Registry tracks live sessions and enforces the one-session-per-profile
// invariant.
type Registry struct {
	mu    sync.Mutex
	live  map[string]capture.Session
	clock capture.Clock
}

// NewRegistry builds an empty Registry.
func NewRegistry(clock capture.Clock) *Registry {
	if clock == nil {
		clock = capture.SystemClock{}
	}
	return &Registry{live: make(map[string]capture.Session), clock: clock}
}

// Start creates and registers a new session for the profile. A second live
// session for the same profile is an invariant violation.
func (r *Registry) Start(profile string) (capture.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[profile]; ok {
		return capture.Session{}, fmt.Errorf("profile %s: %w", profile, ErrSessionLive)
	}
	session := capture.Session{
		ID:          uuid.NewString(),
		ProfileName: profile,
		StartedAt:   r.clock.Now(),
		Status:      capture.SessionHealthy,
	}
	r.live[profile] = session
	return session, nil
}

// End removes the profile's live session. Ending an absent session is a
// no-op.
func (r *Registry) End(profile string) {
	r.mu.Lock()
	delete(r.live, profile)
	r.mu.Unlock()
}

// Live returns the profile's current session, if any.
func (r *Registry) Live(profile string) (capture.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.live[profile]
	return session, ok
}
