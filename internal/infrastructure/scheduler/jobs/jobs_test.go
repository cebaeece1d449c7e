package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return now }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSessions struct {
	changed int
	err     error
	evictAt time.Time
}

func (f *fakeSessions) TickAll(context.Context) (int, error) { return f.changed, f.err }

func (f *fakeSessions) EvictIdle(at time.Time) []string {
	f.evictAt = at
	return []string{"s1", "s2"}
}

type fakeRepo struct {
	sweepCfg progression.HeartsConfig
	taskDay  timeutil.Day
	eventsAt time.Time
	taskErr  error
	refilled int64
}

func (r *fakeRepo) SweepHearts(_ context.Context, _ time.Time, cfg progression.HeartsConfig) (int64, error) {
	r.sweepCfg = cfg
	return r.refilled, nil
}

func (r *fakeRepo) PurgeTaskHistory(_ context.Context, before timeutil.Day) (int64, error) {
	r.taskDay = before
	return 12, r.taskErr
}

func (r *fakeRepo) PurgeAppliedEvents(_ context.Context, before time.Time) (int64, error) {
	r.eventsAt = before
	return 40, nil
}

type fakeDevice struct{ cutoff time.Time }

func (d *fakeDevice) PurgeKeysBefore(_ context.Context, cutoff time.Time) (int64, error) {
	d.cutoff = cutoff
	return 3, nil
}

func TestHeartTickJob(t *testing.T) {
	sessions := &fakeSessions{changed: 4}
	job := NewHeartTickJob(sessions, quiet())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 4, job.LastChanged())
	assert.Equal(t, "heart_tick", job.Name())

	sessions.err = errors.New("persist failed")
	assert.Error(t, job.Run(context.Background()))
}

func TestEvictIdleSessionsJob(t *testing.T) {
	sessions := &fakeSessions{}
	job := NewEvictIdleSessionsJob(sessions, fixedNow, quiet())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now, sessions.evictAt)
	assert.Equal(t, int64(2), job.TotalEvicted())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, job.Run(ctx), context.Canceled)
}

func TestHeartSweepJob(t *testing.T) {
	repo := &fakeRepo{refilled: 7}
	cfg := progression.DefaultHeartsConfig()
	job := NewHeartSweepJob(repo, cfg, fixedNow, quiet())

	_, ok := job.LastStats()
	assert.False(t, ok)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, cfg, repo.sweepCfg)

	stats, ok := job.LastStats()
	require.True(t, ok)
	assert.Equal(t, int64(7), stats.Refilled)
	assert.Equal(t, now, stats.StartedAt)
}

func TestPurgeHistoryJob(t *testing.T) {
	repo := &fakeRepo{}
	device := &fakeDevice{}
	job := NewPurgeHistoryJob(repo, device, DefaultPurgeConfig(), fixedNow, quiet())

	stats, err := job.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PurgeStats{Tasks: 12, Events: 40, DeviceKeys: 3}, stats)
	assert.Equal(t, timeutil.DayOf(now).AddDays(-7), repo.taskDay)
	assert.Equal(t, now.Add(-90*24*time.Hour), repo.eventsAt)
	assert.Equal(t, now.Add(-30*24*time.Hour), device.cutoff)
}

func TestPurgeHistoryJob_PartialFailure(t *testing.T) {
	repo := &fakeRepo{taskErr: errors.New("timeout")}
	device := &fakeDevice{}
	job := NewPurgeHistoryJob(repo, device, DefaultPurgeConfig(), fixedNow, quiet())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task history")
	assert.False(t, device.cutoff.IsZero(), "device purge still ran")
}

func TestPurgeHistoryJob_DeviceOnly(t *testing.T) {
	device := &fakeDevice{}
	job := NewPurgeHistoryJob(nil, device, DefaultPurgeConfig(), fixedNow, quiet())

	stats, err := job.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.DeviceKeys)
	assert.Zero(t, stats.Tasks)
}
