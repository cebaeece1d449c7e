package redis

import (
	"context"
	"errors"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// SnapshotCache implements progression.SnapshotCache. It holds durable
// progress records only; the store invalidates an entry on every applied
// commit and the TTL bounds staleness when an invalidation is lost.
type SnapshotCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewSnapshotCache creates a snapshot cache. ttl <= 0 selects TTLSnapshot.
func NewSnapshotCache(cache *Cache, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = TTLSnapshot
	}
	return &SnapshotCache{cache: cache, ttl: ttl}
}

// Get returns the cached record or a NotFound error on a miss.
func (s *SnapshotCache) Get(ctx context.Context, id shared.UserID) (*progression.UserProgress, error) {
	var p progression.UserProgress
	if err := s.cache.Get(ctx, SnapshotKey(string(id)), &p); err != nil {
		return nil, cacheError("Get", err)
	}
	if p.UserID != id {
		// A record stored under the wrong key is useless; drop it.
		_ = s.cache.Delete(ctx, SnapshotKey(string(id)))
		return nil, shared.NewDomainError("cache", "Get", shared.ErrNotFound, "snapshot key mismatch")
	}
	return &p, nil
}

// Set caches p. Guest records are never cached.
func (s *SnapshotCache) Set(ctx context.Context, p *progression.UserProgress) error {
	if p == nil || p.Guest {
		return nil
	}
	return cacheError("Set", s.cache.Set(ctx, SnapshotKey(string(p.UserID)), p, s.ttl))
}

// Invalidate drops the cached record of id.
func (s *SnapshotCache) Invalidate(ctx context.Context, id shared.UserID) error {
	return cacheError("Invalidate", s.cache.Delete(ctx, SnapshotKey(string(id))))
}

func cacheError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCacheMiss):
		return shared.WrapError("cache", op, shared.ErrNotFound, "snapshot not cached", err)
	case errors.Is(err, ErrCacheSerialization):
		return shared.WrapError("cache", op, shared.ErrInvalidState, "snapshot not decodable", err)
	case errors.Is(err, context.DeadlineExceeded):
		return shared.WrapError("cache", op, shared.ErrTimeout, "cache timeout", err)
	default:
		return shared.WrapError("cache", op, shared.ErrServiceUnavailable, "cache unavailable", err)
	}
}
