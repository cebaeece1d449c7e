// Package session implements the exposed progression API: the Progression
// Store that owns durable writes, the per-user Session that applies events
// optimistically, the login flow and the session Registry.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/circuitbreaker"
	"github.com/pulsepoint/pulsepoint-progress/pkg/logger"
	"github.com/pulsepoint/pulsepoint-progress/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION STORE
// Owns every write to one backend. Local state is already updated when
// Persist runs, so a failed write is reported and never rolled back.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultWriteTimeout bounds one Persist call including retries.
const DefaultWriteTimeout = 5 * time.Second

// Store wraps a ProgressBackend with retry, a circuit breaker, an optional
// snapshot cache and failure notifications.
type Store struct {
	backend progression.ProgressBackend
	cache   progression.SnapshotCache
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	events  shared.EventPublisher
	sink    progression.NotificationSink
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCache enables read-through caching of loaded records.
func WithCache(c progression.SnapshotCache) StoreOption {
	return func(s *Store) { s.cache = c }
}

// WithPolicy overrides the retry policy.
func WithPolicy(p retry.Policy) StoreOption {
	return func(s *Store) { s.policy = p }
}

// WithBreaker guards backend calls with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) StoreOption {
	return func(s *Store) { s.breaker = b }
}

// WithPublisher publishes persistence failures as domain events.
func WithPublisher(p shared.EventPublisher) StoreOption {
	return func(s *Store) { s.events = p }
}

// WithNotifier tells the user when a write could not be confirmed.
func WithNotifier(n progression.NotificationSink) StoreOption {
	return func(s *Store) { s.sink = n }
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *logger.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore creates a Store. Local backends get a single attempt and no
// breaker unless options say otherwise.
func NewStore(backend progression.ProgressBackend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		policy:  retry.PersistencePolicy(),
		timeout: DefaultWriteTimeout,
		log:     logger.Nop(),
		now:     time.Now,
	}
	if backend.Kind() == progression.BackendLocal {
		s.policy = retry.NoRetry()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("store").With(logger.Backend(backend.Kind()))
	return s
}

// Kind returns the backend kind.
func (s *Store) Kind() progression.BackendKind {
	return s.backend.Kind()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// Load returns a record, consulting the cache first.
func (s *Store) Load(ctx context.Context, id shared.UserID) (*progression.UserProgress, error) {
	if s.cache != nil {
		if p, err := s.cache.Get(ctx, id); err == nil && p != nil {
			return p, nil
		} else if err != nil && !shared.IsNotFound(err) {
			s.log.Warn("snapshot cache read failed", logger.UserID(id.String()), logger.Err(err))
		}
	}

	p, out := retry.DoWithData(ctx, s.policy, func(ctx context.Context) (*progression.UserProgress, error) {
		var p *progression.UserProgress
		err := s.guard(ctx, func(ctx context.Context) error {
			var err error
			p, err = s.backend.Load(ctx, id)
			return err
		})
		return p, err
	})
	if out.Err != nil {
		return nil, out.Err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.log.Warn("snapshot cache write failed", logger.UserID(id.String()), logger.Err(err))
		}
	}
	return p, nil
}

// Create stores a new record.
func (s *Store) Create(ctx context.Context, p *progression.UserProgress) error {
	out := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.guard(ctx, func(ctx context.Context) error {
			return s.backend.Create(ctx, p)
		})
	})
	if out.Err != nil && !errors.Is(out.Err, shared.ErrAlreadyExists) {
		return out.Err
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Writes
// ─────────────────────────────────────────────────────────────────────────────

// Persist writes a commit. Empty patches are skipped.
//
// The write is detached from ctx cancellation and bounded by the store
// timeout. On failure the user is notified and a PersistenceError or
// PermissionError is returned; the caller keeps its local state.
func (s *Store) Persist(ctx context.Context, c progression.Commit) (applied bool, err error) {
	return s.persist(ctx, c, true)
}

// Resend writes a commit that already failed once. The user has been told
// about it, so a repeated failure is only logged.
func (s *Store) Resend(ctx context.Context, c progression.Commit) (applied bool, err error) {
	return s.persist(ctx, c, false)
}

func (s *Store) persist(ctx context.Context, c progression.Commit, notify bool) (applied bool, err error) {
	if c.Patch.IsEmpty() {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	log := s.log.With(
		logger.UserID(c.UserID.String()),
		logger.EventKind(string(c.Kind)),
		logger.String("key", c.Key.String()),
	)

	policy := s.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("durable write failed, retrying",
			logger.Attempt(attempt),
			logger.Duration("delay", delay),
			logger.Err(err),
		)
	}

	start := s.now()
	out := policy.Do(ctx, func(ctx context.Context) error {
		return s.guard(ctx, func(ctx context.Context) error {
			var err error
			applied, err = s.backend.Commit(ctx, c)
			return err
		})
	})

	if out.Err != nil {
		return false, s.fail(ctx, log, c, out, notify)
	}

	log.Debug("commit persisted",
		logger.Bool("applied", applied),
		logger.Attempt(out.Attempts),
		logger.Latency(s.now().Sub(start)),
	)

	// A refused commit means another writer changed the record.
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, c.UserID); err != nil {
			log.Warn("snapshot cache invalidation failed", logger.Err(err))
		}
	}
	return applied, nil
}

// guard runs a backend call behind the breaker and classifies its error.
func (s *Store) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	call := func(ctx context.Context) error {
		return classify(fn(ctx))
	}
	if s.breaker == nil {
		return call(ctx)
	}
	err := s.breaker.Execute(ctx, call)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Permanent(shared.WrapError("session", "Persist", shared.ErrServiceUnavailable, "durable store circuit open", err))
	}
	return err
}

// classify marks backend errors for the retry policy. Only transient
// infrastructure failures are retried.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case shared.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return retry.Retryable(err)
	default:
		return retry.Permanent(err)
	}
}

// NewBreaker builds the breaker for a durable store. Only IsBreakerFailure
// errors count towards opening it.
func NewBreaker(name string, opts ...circuitbreaker.Option) *circuitbreaker.Breaker {
	opts = append([]circuitbreaker.Option{circuitbreaker.WithIsFailure(IsBreakerFailure)}, opts...)
	return circuitbreaker.New(name, opts...)
}

// IsBreakerFailure reports whether err should count against the breaker.
// Rejections of the identity or payload say nothing about store health.
func IsBreakerFailure(err error) bool {
	return !(shared.IsPermission(err) || shared.IsValidation(err) || shared.IsNotFound(err) ||
		errors.Is(err, shared.ErrAlreadyExists))
}

func (s *Store) fail(ctx context.Context, log *logger.Logger, c progression.Commit, out retry.Outcome, notify bool) error {
	permission := shared.IsPermission(out.Err) || shared.IsNotFound(out.Err)

	log.Error("durable write not confirmed",
		logger.Attempt(out.Attempts),
		logger.Bool("permission", permission),
		logger.Err(out.Err),
	)

	if s.events != nil && notify {
		ev := shared.PersistenceFailedEvent{
			BaseEvent:  shared.NewBaseEvent(shared.EventPersistenceFailed, c.UserID.String(), s.now()),
			Operation:  string(c.Kind),
			Reason:     out.Err.Error(),
			Permission: permission,
		}
		if err := s.events.Publish(ev); err != nil {
			log.Warn("publish persistence failure", logger.Err(err))
		}
	}

	if s.sink != nil && notify {
		n := progression.Notification{
			UserID:    c.UserID,
			Kind:      string(shared.EventPersistenceFailed),
			Level:     progression.LevelError,
			Title:     "Progress not saved",
			Body:      "Your progress is kept on this device but could not be saved to your account.",
			CreatedAt: s.now(),
		}
		if permission {
			n.Title = "Session expired"
			n.Body = "Please sign in again to keep saving your progress."
		}
		s.sink.Notify(ctx, n)
	}

	if permission {
		return shared.WrapError("session", "Persist", shared.ErrPermission, "durable write rejected", out.Err)
	}
	return shared.WrapError("session", "Persist", shared.ErrPersistence, "durable write not confirmed", out.Err)
}
