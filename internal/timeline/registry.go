package timeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrSessionNotFound = errors.New("timeline session not found")

// Registry holds every live timeline session on this gateway instance, keyed
// by session id, and reaps the ones nobody has touched for a while.
type Registry struct {
	deps Deps
	ttl  time.Duration
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Controller
}

func NewRegistry(deps Deps, ttl time.Duration) *Registry {
	return &Registry{
		deps:     deps,
		ttl:      ttl,
		log:      deps.Log,
		sessions: make(map[uuid.UUID]*Controller),
	}
}

// Start creates a session for a case, fetching its slots and eagerly
// resolving active slots' videos before the session is visible to lookups.
func (r *Registry) Start(ctx context.Context, backendSession string, caseID int) (*Controller, error) {
	c := New(caseID, backendSession, r.deps)
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[c.ID()] = c
	r.mu.Unlock()

	return c, nil
}

// Get looks a session up by id.
func (r *Registry) Get(id uuid.UUID) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// End closes and removes one session.
func (r *Registry) End(id uuid.UUID) error {
	r.mu.Lock()
	c, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	c.Close()
	return nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap closes every session idle longer than the TTL and returns how many
// were removed.
func (r *Registry) Reap(now time.Time) int {
	r.mu.Lock()
	var stale []*Controller
	for id, c := range r.sessions {
		if c.Idle(now) > r.ttl {
			stale = append(stale, c)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Close()
		r.log.Info().Str("session_id", c.ID().String()).Int("case_id", c.CaseID()).Msg("reaped idle timeline session")
	}
	return len(stale)
}

// Janitor runs the reaper on a ticker until ctx is cancelled, then closes
// every remaining session.
func (r *Registry) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case <-ticker.C:
			r.Reap(time.Now())
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.sessions))
	for id, c := range r.sessions {
		all = append(all, c)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
