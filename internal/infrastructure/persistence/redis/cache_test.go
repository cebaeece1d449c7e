package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

func TestConfigOptions(t *testing.T) {
	t.Run("host and port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Host = "cache.internal"
		cfg.DB = 2

		opts, err := cfg.Options()
		require.NoError(t, err)
		assert.Equal(t, "cache.internal:6379", opts.Addr)
		assert.Equal(t, 2, opts.DB)
		assert.Equal(t, 10, opts.PoolSize)
	})

	t.Run("url wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URL = "redis://:secret@redis.example:6380/3"

		opts, err := cfg.Options()
		require.NoError(t, err)
		assert.Equal(t, "redis.example:6380", opts.Addr)
		assert.Equal(t, "secret", opts.Password)
		assert.Equal(t, 3, opts.DB)
		assert.Equal(t, cfg.ReadTimeout, opts.ReadTimeout)
	})

	t.Run("bad url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URL = "http://nope"
		_, err := cfg.Options()
		assert.Error(t, err)
	})
}

func TestKeys(t *testing.T) {
	c := NewCacheFromClient(nil, "pp:")
	assert.Equal(t, "pp:snapshot:u1", c.Key(SnapshotKey("u1")))
	assert.Equal(t, "lock:heart-sweep", LockKey("heart-sweep"))
	assert.Equal(t, "events:lesson.completed", EventChannel("lesson.completed"))
}

func TestCache_ArgumentChecks(t *testing.T) {
	c := NewCacheFromClient(nil, "pp:")
	ctx := context.Background()

	assert.ErrorIs(t, c.Set(ctx, "", 1, time.Minute), ErrCacheKeyEmpty)
	assert.ErrorIs(t, c.Set(ctx, "k", nil, time.Minute), ErrCacheNilValue)
	assert.ErrorIs(t, c.Get(ctx, "", new(int)), ErrCacheKeyEmpty)
	assert.NoError(t, c.Delete(ctx))
	assert.ErrorIs(t, c.Set(ctx, "k", func() {}, time.Minute), ErrCacheSerialization)
}

func TestCacheError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{name: "miss", err: ErrCacheMiss, kind: shared.ErrNotFound},
		{name: "corrupt", err: fmt.Errorf("%w: bad json", ErrCacheSerialization), kind: shared.ErrInvalidState},
		{name: "deadline", err: context.DeadlineExceeded, kind: shared.ErrTimeout},
		{name: "down", err: errors.New("dial tcp: connection refused"), kind: shared.ErrServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cacheError("Get", tt.err)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, cacheError("Get", nil))
}

func TestSnapshotCache_SkipsGuests(t *testing.T) {
	s := NewSnapshotCache(NewCacheFromClient(nil, ""), 0)
	assert.Equal(t, TTLSnapshot, s.ttl)

	guest := &progression.UserProgress{UserID: "guest-1", Guest: true}
	assert.NoError(t, s.Set(context.Background(), guest))
	assert.NoError(t, s.Set(context.Background(), nil))
}

func TestSnapshotCache_UnreachableRedisIsRetryable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	defer client.Close()

	s := NewSnapshotCache(NewCacheFromClient(client, "pp:"), time.Minute)
	_, err := s.Get(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, shared.IsRetryable(err))
	assert.False(t, shared.IsNotFound(err))
}
