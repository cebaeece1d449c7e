package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
)

// HeartSweeper is implemented by postgres.ProgressRepository.
type HeartSweeper interface {
	SweepHearts(ctx context.Context, now time.Time, cfg progression.HeartsConfig) (int64, error)
}

// HeartSweepStats describes the last sweep.
type HeartSweepStats struct {
	StartedAt time.Time
	Duration  time.Duration
	Refilled  int64
}

// HeartSweepJob applies heart regeneration to durable records whose clock is
// running, so users who are offline come back to the right heart count and
// the API can serve snapshots without loading a session.
type HeartSweepJob struct {
	repo   HeartSweeper
	config progression.HeartsConfig
	now    func() time.Time
	logger *slog.Logger

	lastStats atomic.Value // HeartSweepStats
}

// NewHeartSweepJob creates the job.
func NewHeartSweepJob(repo HeartSweeper, cfg progression.HeartsConfig, now func() time.Time, logger *slog.Logger) *HeartSweepJob {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartSweepJob{repo: repo, config: cfg, now: now, logger: logger.With("job", "durable_heart_sweep")}
}

// Name returns the job name.
func (j *HeartSweepJob) Name() string { return "durable_heart_sweep" }

// Description returns a human-readable description.
func (j *HeartSweepJob) Description() string {
	return "Regenerates hearts of stored accounts with a running heart clock"
}

// Run executes the sweep.
func (j *HeartSweepJob) Run(ctx context.Context) error {
	start := j.now()
	n, err := j.repo.SweepHearts(ctx, start, j.config)
	if err != nil {
		return fmt.Errorf("sweep hearts: %w", err)
	}

	stats := HeartSweepStats{StartedAt: start, Duration: j.now().Sub(start), Refilled: n}
	j.lastStats.Store(stats)
	if n > 0 {
		j.logger.Info("hearts regenerated", "accounts", n)
	}
	return nil
}

// LastStats returns the stats of the last successful run.
func (j *HeartSweepJob) LastStats() (HeartSweepStats, bool) {
	s, ok := j.lastStats.Load().(HeartSweepStats)
	return s, ok
}
