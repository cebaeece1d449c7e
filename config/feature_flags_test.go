package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
)

func TestFeatureFlags_Defaults(t *testing.T) {
	ff := LoadFeatureFlags()

	assert.True(t, ff.IsEnabled(FeatureGuestMode, nil))
	assert.True(t, ff.IsEnabled(FeatureSnapshotCache, nil))
	assert.False(t, ff.IsEnabled(FeatureRedisEventBus, nil))
	assert.False(t, ff.IsEnabled("does.not.exist", nil))

	snap := ff.Snapshot()
	assert.Len(t, snap, len(ff.GetAllFeatures()))
	assert.False(t, snap[FeatureRedisEventBus])
}

func TestFeatureFlags_EnvironmentOverrides(t *testing.T) {
	t.Setenv("FEATURE_EVENTS_REDIS_BUS", "true")
	t.Setenv("FEATURE_SESSION_GUEST_MODE", "false")
	t.Setenv("FEATURE_NOTIFY_RANK_UP", "30")
	t.Setenv("FEATURE_STORAGE_SNAPSHOT_CACHE", "lots")

	ff := LoadFeatureFlags()
	all := ff.GetAllFeatures()

	assert.True(t, ff.IsEnabled(FeatureRedisEventBus, nil))
	assert.False(t, ff.IsEnabled(FeatureGuestMode, nil))
	assert.Equal(t, 30, all[FeatureNotifyRankUp].RolloutPercent)
	assert.Equal(t, 100, all[FeatureSnapshotCache].RolloutPercent, "garbage keeps the default")
}

func TestFeatureFlags_RolloutIsStablePerUser(t *testing.T) {
	ff := LoadFeatureFlags()
	require.NoError(t, ff.SetRolloutPercent(FeatureNotifyRankUp, 50))

	in := 0
	for i := 0; i < 1000; i++ {
		ctx := &FeatureContext{UserID: fmt.Sprintf("user-%d", i)}
		first := ff.IsEnabled(FeatureNotifyRankUp, ctx)
		assert.Equal(t, first, ff.IsEnabled(FeatureNotifyRankUp, ctx))
		if first {
			in++
		}
	}
	assert.InDelta(t, 500, in, 100)

	assert.ErrorIs(t, ff.SetRolloutPercent(FeatureNotifyRankUp, 101), ErrInvalidRolloutPercent)
	assert.ErrorIs(t, ff.SetRolloutPercent("nope", 10), ErrFeatureNotFound)
}

func TestFeatureFlags_UserOverrideWins(t *testing.T) {
	ff := LoadFeatureFlags()
	require.NoError(t, ff.DisableFeature(FeatureNotifyHearts))

	ctx := &FeatureContext{UserID: "u1"}
	assert.False(t, ff.IsEnabled(FeatureNotifyHearts, ctx))

	ff.SetUserOverride("u1", FeatureNotifyHearts, true)
	assert.True(t, ff.IsEnabled(FeatureNotifyHearts, ctx))
	assert.False(t, ff.IsEnabled(FeatureNotifyHearts, &FeatureContext{UserID: "u2"}))

	ff.ClearUserOverrides("u1")
	assert.False(t, ff.IsEnabled(FeatureNotifyHearts, ctx))

	require.NoError(t, ff.EnableFeature(FeatureNotifyHearts))
	assert.True(t, ff.IsEnabled(FeatureNotifyHearts, ctx))
}

func TestFeatureFlags_TimeWindow(t *testing.T) {
	ff := LoadFeatureFlags()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ff.now = func() time.Time { return now }

	from := now.Add(time.Hour)
	ff.features[FeatureNotifyRankUp].EnabledFrom = &from
	assert.False(t, ff.IsEnabled(FeatureNotifyRankUp, nil))

	from = now.Add(-time.Hour)
	until := now.Add(-time.Minute)
	ff.features[FeatureNotifyRankUp].EnabledUntil = &until
	assert.False(t, ff.IsEnabled(FeatureNotifyRankUp, nil))

	until = now.Add(time.Minute)
	assert.True(t, ff.IsEnabled(FeatureNotifyRankUp, nil))
}

func TestFeatureFlags_AllowNotification(t *testing.T) {
	ff := LoadFeatureFlags()

	streak := progression.Notification{UserID: "uid-1", Kind: "streak.milestone"}
	guestStreak := progression.Notification{UserID: "guest-abc", Kind: "streak.milestone"}
	hearts := progression.Notification{UserID: "uid-1", Kind: "hearts.lost"}
	other := progression.Notification{UserID: "uid-1", Kind: "achievement.unlocked"}

	assert.True(t, ff.AllowNotification(streak))
	assert.False(t, ff.AllowNotification(guestStreak), "streak notices are durable-only")
	assert.True(t, ff.AllowNotification(other))

	require.NoError(t, ff.DisableFeature(FeatureNotifyHearts))
	assert.False(t, ff.AllowNotification(hearts))
	assert.True(t, ff.AllowNotification(other))

	require.NoError(t, ff.DisableFeature(FeatureNotifications))
	assert.False(t, ff.AllowNotification(other))
}

func TestNotificationFeature(t *testing.T) {
	tests := map[string]string{
		"streak.broken":         FeatureNotifyStreak,
		"hearts.regenerated":    FeatureNotifyHearts,
		"progress.rank_changed": FeatureNotifyRankUp,
		"module.unlocked":       "",
	}
	for kind, want := range tests {
		assert.Equal(t, want, NotificationFeature(kind), kind)
	}
}
