// Package jobs contains the scheduled jobs of the progression service.
package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEART TICK JOB
// ══════════════════════════════════════════════════════════════════════════════

// SessionTicker is implemented by session.Registry.
type SessionTicker interface {
	TickAll(ctx context.Context) (changed int, err error)
}

// HeartTickJob regenerates hearts and rolls the task day over on every live
// session, so connected clients see refills without sending an event.
type HeartTickJob struct {
	sessions SessionTicker
	logger   *slog.Logger

	lastChanged atomic.Int64
}

// NewHeartTickJob creates the job.
func NewHeartTickJob(sessions SessionTicker, logger *slog.Logger) *HeartTickJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartTickJob{sessions: sessions, logger: logger.With("job", "heart_tick")}
}

// Name returns the job name.
func (j *HeartTickJob) Name() string { return "heart_tick" }

// Description returns a human-readable description.
func (j *HeartTickJob) Description() string {
	return "Regenerates hearts and rolls over the task day for live sessions"
}

// Run executes the tick.
func (j *HeartTickJob) Run(ctx context.Context) error {
	changed, err := j.sessions.TickAll(ctx)
	j.lastChanged.Store(int64(changed))
	if changed > 0 {
		j.logger.Debug("sessions updated", "changed", changed)
	}
	return err
}

// LastChanged returns how many sessions the last run changed.
func (j *HeartTickJob) LastChanged() int {
	return int(j.lastChanged.Load())
}

// ══════════════════════════════════════════════════════════════════════════════
// EVICT IDLE SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// SessionEvictor is implemented by session.Registry.
type SessionEvictor interface {
	EvictIdle(now time.Time) []string
}

// EvictIdleSessionsJob closes sessions nobody has used for the idle timeout.
type EvictIdleSessionsJob struct {
	sessions SessionEvictor
	now      func() time.Time
	logger   *slog.Logger

	evicted atomic.Int64
}

// NewEvictIdleSessionsJob creates the job. now defaults to time.Now.
func NewEvictIdleSessionsJob(sessions SessionEvictor, now func() time.Time, logger *slog.Logger) *EvictIdleSessionsJob {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EvictIdleSessionsJob{sessions: sessions, now: now, logger: logger.With("job", "evict_idle_sessions")}
}

// Name returns the job name.
func (j *EvictIdleSessionsJob) Name() string { return "evict_idle_sessions" }

// Description returns a human-readable description.
func (j *EvictIdleSessionsJob) Description() string {
	return "Logs out sessions that have been idle past the timeout"
}

// Run executes the eviction.
func (j *EvictIdleSessionsJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := j.sessions.EvictIdle(j.now())
	j.evicted.Add(int64(len(ids)))
	return nil
}

// TotalEvicted returns the number of sessions evicted since start.
func (j *EvictIdleSessionsJob) TotalEvicted() int64 {
	return j.evicted.Load()
}
