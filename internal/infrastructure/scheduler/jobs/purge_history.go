package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// TaskHistoryPurger is implemented by postgres.ProgressRepository.
type TaskHistoryPurger interface {
	PurgeTaskHistory(ctx context.Context, before timeutil.Day) (int64, error)
	PurgeAppliedEvents(ctx context.Context, before time.Time) (int64, error)
}

// DeviceKeyPurger is implemented by local.DeviceStore.
type DeviceKeyPurger interface {
	PurgeKeysBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeConfig sets how long idempotency records are kept.
type PurgeConfig struct {
	// TaskHistoryDays keeps completed task rows of this many past days.
	TaskHistoryDays int

	// AppliedEventsRetention keeps event ids for replay detection.
	AppliedEventsRetention time.Duration

	// DeviceKeyRetention keeps applied keys in the on-device store.
	DeviceKeyRetention time.Duration
}

// DefaultPurgeConfig returns the retention defaults.
func DefaultPurgeConfig() PurgeConfig {
	return PurgeConfig{
		TaskHistoryDays:        7,
		AppliedEventsRetention: 90 * 24 * time.Hour,
		DeviceKeyRetention:     30 * 24 * time.Hour,
	}
}

// PurgeStats describes the last purge.
type PurgeStats struct {
	Tasks      int64
	Events     int64
	DeviceKeys int64
}

// PurgeHistoryJob trims idempotency records older than their retention.
// Either source may be nil.
type PurgeHistoryJob struct {
	durable TaskHistoryPurger
	device  DeviceKeyPurger
	config  PurgeConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewPurgeHistoryJob creates the job.
func NewPurgeHistoryJob(durable TaskHistoryPurger, device DeviceKeyPurger, cfg PurgeConfig, now func() time.Time, logger *slog.Logger) *PurgeHistoryJob {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeHistoryJob{durable: durable, device: device, config: cfg, now: now, logger: logger.With("job", "purge_history")}
}

// Name returns the job name.
func (j *PurgeHistoryJob) Name() string { return "purge_history" }

// Description returns a human-readable description.
func (j *PurgeHistoryJob) Description() string {
	return "Deletes task and event idempotency records past their retention"
}

// Run executes the purge. A failing source does not stop the others.
func (j *PurgeHistoryJob) Run(ctx context.Context) error {
	_, err := j.Purge(ctx)
	return err
}

// Purge runs the purge and returns what it removed.
func (j *PurgeHistoryJob) Purge(ctx context.Context) (PurgeStats, error) {
	var stats PurgeStats
	var errs []error
	now := j.now()

	if j.durable != nil {
		if j.config.TaskHistoryDays > 0 {
			before := timeutil.DayOf(now).AddDays(-j.config.TaskHistoryDays)
			n, err := j.durable.PurgeTaskHistory(ctx, before)
			if err != nil {
				errs = append(errs, fmt.Errorf("task history: %w", err))
			}
			stats.Tasks = n
		}
		if j.config.AppliedEventsRetention > 0 {
			n, err := j.durable.PurgeAppliedEvents(ctx, now.Add(-j.config.AppliedEventsRetention))
			if err != nil {
				errs = append(errs, fmt.Errorf("applied events: %w", err))
			}
			stats.Events = n
		}
	}

	if j.device != nil && j.config.DeviceKeyRetention > 0 {
		n, err := j.device.PurgeKeysBefore(ctx, now.Add(-j.config.DeviceKeyRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("device keys: %w", err))
		}
		stats.DeviceKeys = n
	}

	j.logger.Info("history purged",
		"tasks", stats.Tasks,
		"events", stats.Events,
		"device_keys", stats.DeviceKeys,
	)
	return stats, errors.Join(errs...)
}
