package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/logger"
)

// DefaultIdleTimeout evicts sessions without user activity.
const DefaultIdleTimeout = 2 * time.Hour

// Registry keeps live sessions by session id.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	log         *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(idleTimeout time.Duration, log *logger.Logger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		log:         log.Named("registry"),
	}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Get finds a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.Closed() {
		return nil, shared.ErrSessionNotFound
	}
	return s, nil
}

// Remove unregisters a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the registered sessions ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// TickAll runs heart regeneration and day rollover on every session.
// It returns how many sessions changed.
func (r *Registry) TickAll(ctx context.Context) (changed int, err error) {
	var firstErr error
	for _, s := range r.Sessions() {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		res, err := s.Tick(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.log.Warn("session tick failed", logger.SessionID(s.ID()), logger.Err(err))
			continue
		}
		if res.Changed {
			changed++
		}
	}
	return changed, firstErr
}

// EvictIdle closes sessions idle longer than the timeout and returns
// their ids.
func (r *Registry) EvictIdle(now time.Time) []string {
	var evicted []string
	for _, s := range r.Sessions() {
		if s.Closed() || now.Sub(s.LastSeen()) > r.idleTimeout {
			s.Logout()
			r.Remove(s.ID())
			evicted = append(evicted, s.ID())
		}
	}
	if len(evicted) > 0 {
		r.log.Info("idle sessions evicted", logger.Int("count", len(evicted)))
	}
	return evicted
}
