// Package scheduler runs the periodic jobs of the progression service on
// top of gocron: the in-process heart tick and idle session eviction in the
// API, the durable heart sweep and history purge in the worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job defines the interface that all scheduled jobs must implement.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler stops
	// or the job's timeout passes.
	Run(ctx context.Context) error

	Description() string
}

// Locker grants cluster-wide leases so one job runs on one worker at a
// time. redis.Cache implements it.
type Locker interface {
	TryLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, owner string) error
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Skipped     bool
	Error       error
	Manual      bool
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler registers jobs with gocron and records their outcomes.
type Scheduler struct {
	mu sync.RWMutex

	cron    *gocron.Scheduler
	logger  *slog.Logger
	locker  Locker
	owner   string
	history int

	jobs       map[string]*scheduledJob
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startedAt  time.Time
	metrics    *SchedulerMetrics
	runHistory []JobResult

	onJobError func(jobName string, err error)
}

type scheduledJob struct {
	job       Job
	every     time.Duration
	timeout   time.Duration
	cronJob   *gocron.Job
	lastRun   time.Time
	runCount  int64
	failCount int64
	last      *JobResult
}

// SchedulerConfig contains configuration for the Scheduler.
type SchedulerConfig struct {
	Logger *slog.Logger

	// Timezone for gocron (default: UTC).
	Timezone *time.Location

	// Locker, when set, keeps each job to one instance at a time.
	Locker Locker

	// InstanceID names this process as a lock owner.
	InstanceID string

	MaxHistorySize int
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Timezone:       time.UTC,
		MaxHistorySize: 200,
	}
}

// NewScheduler creates a new Scheduler with the given configuration.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 200
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}

	cron := gocron.NewScheduler(config.Timezone)
	cron.SingletonModeAll()
	cron.WaitForScheduleAll()

	return &Scheduler{
		cron:    cron,
		logger:  config.Logger.With("component", "scheduler"),
		locker:  config.Locker,
		owner:   config.InstanceID,
		history: config.MaxHistorySize,
		jobs:    make(map[string]*scheduledJob),
		metrics: NewSchedulerMetrics(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// Register schedules job every interval. timeout bounds one run; zero uses
// the interval.
func (s *Scheduler) Register(job Job, every, timeout time.Duration) error {
	if job == nil {
		return ErrNilJob
	}
	if every <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, every)
	}
	if timeout <= 0 {
		timeout = every
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	sj := &scheduledJob{job: job, every: every, timeout: timeout}
	cronJob, err := s.cron.Every(every).Tag(name).Do(func() {
		s.execute(sj)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	sj.cronJob = cronJob
	s.jobs[name] = sj

	s.logger.Info("job registered",
		"job", name,
		"description", job.Description(),
		"every", every.String(),
	)
	return nil
}

// Unregister removes a job from the scheduler.
func (s *Scheduler) Unregister(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobName]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	if err := s.cron.RemoveByTag(jobName); err != nil {
		return fmt.Errorf("unschedule %s: %w", jobName, err)
	}
	delete(s.jobs, jobName)
	return nil
}

// OnJobError sets a callback to be called when a job fails.
func (s *Scheduler) OnJobError(fn func(jobName string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJobError = fn
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins running jobs. Each job first runs one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = time.Now()
	s.cron.StartAsync()

	s.logger.Info("scheduler started", "jobs_count", len(s.jobs))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.cron.Stop()
	s.wg.Wait()

	s.logger.Info("scheduler stopped", "uptime", time.Since(s.startedAt).String())
	return nil
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// RunNow executes a job immediately, outside its schedule. It works whether
// or not the scheduler is running.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (*JobResult, error) {
	s.mu.RLock()
	sj, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	result := s.run(ctx, sj, true)
	return &result, result.Error
}

// execute is the gocron entry point.
func (s *Scheduler) execute(sj *scheduledJob) {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	s.run(ctx, sj, false)
}

func (s *Scheduler) run(parent context.Context, sj *scheduledJob, manual bool) JobResult {
	name := sj.job.Name()
	ctx, cancel := context.WithTimeout(parent, sj.timeout)
	defer cancel()

	result := JobResult{JobName: name, StartedAt: time.Now(), Manual: manual}

	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, "job:"+name, s.owner, sj.timeout)
		if err != nil {
			s.logger.Warn("job lock unavailable, running unlocked", "job", name, "error", err)
		} else if !ok {
			result.Skipped = true
			result.Success = true
			result.CompletedAt = time.Now()
			s.logger.Debug("job held by another instance", "job", name)
			s.record(sj, result)
			return result
		} else {
			defer func() {
				// The run context may be done; release on a fresh one.
				rctx, rcancel := context.WithTimeout(context.WithoutCancel(parent), 2*time.Second)
				defer rcancel()
				if err := s.locker.ReleaseLock(rctx, "job:"+name, s.owner); err != nil {
					s.logger.Warn("job lock release failed", "job", name, "error", err)
				}
			}()
		}
	}

	err := sj.job.Run(ctx)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Success = err == nil
	result.Error = err

	s.metrics.RecordExecution(name, result.Duration, err == nil)
	s.record(sj, result)

	if err != nil {
		s.logger.Error("job failed", "job", name, "duration", result.Duration.String(), "error", err)
		s.mu.RLock()
		hook := s.onJobError
		s.mu.RUnlock()
		if hook != nil {
			hook(name, err)
		}
	} else {
		s.logger.Debug("job completed", "job", name, "duration", result.Duration.String())
	}
	return result
}

func (s *Scheduler) record(sj *scheduledJob, result JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !result.Skipped {
		sj.lastRun = result.StartedAt
		sj.runCount++
		if !result.Success {
			sj.failCount++
		}
	}
	r := result
	sj.last = &r

	s.runHistory = append(s.runHistory, result)
	if len(s.runHistory) > s.history {
		s.runHistory = s.runHistory[len(s.runHistory)-s.history:]
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo contains information about a registered job.
type JobInfo struct {
	Name        string
	Description string
	Every       time.Duration
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	LastResult  *JobResult
}

// ListJobs returns information about all registered jobs, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		info := JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Every:       sj.every,
			LastRun:     sj.lastRun,
			RunCount:    sj.runCount,
			FailCount:   sj.failCount,
			LastResult:  sj.last,
		}
		if s.running && sj.cronJob != nil {
			info.NextRun = sj.cronJob.NextRun()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// History returns up to limit most recent results, oldest first.
func (s *Scheduler) History(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.runHistory) {
		limit = len(s.runHistory)
	}
	out := make([]JobResult, limit)
	copy(out, s.runHistory[len(s.runHistory)-limit:])
	return out
}

// Metrics returns scheduler metrics.
func (s *Scheduler) Metrics() *SchedulerMetrics {
	return s.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// SchedulerMetrics tracks job executions.
type SchedulerMetrics struct {
	mu sync.RWMutex

	TotalExecutions int64
	TotalFailures   int64
	TotalDuration   time.Duration
	FailuresByJob   map[string]int64
}

// NewSchedulerMetrics creates a new metrics tracker.
func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{FailuresByJob: make(map[string]int64)}
}

// RecordExecution records a job execution.
func (m *SchedulerMetrics) RecordExecution(jobName string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalExecutions++
	m.TotalDuration += duration
	if !success {
		m.TotalFailures++
		m.FailuresByJob[jobName]++
	}
}

// MetricsSnapshot is a point-in-time snapshot of scheduler metrics.
type MetricsSnapshot struct {
	TotalExecutions int64         `json:"total_executions"`
	TotalFailures   int64         `json:"total_failures"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *SchedulerMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avg time.Duration
	if m.TotalExecutions > 0 {
		avg = m.TotalDuration / time.Duration(m.TotalExecutions)
	}
	return MetricsSnapshot{
		TotalExecutions: m.TotalExecutions,
		TotalFailures:   m.TotalFailures,
		AverageDuration: avg,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNilJob is returned when trying to register a nil job.
	ErrNilJob = errors.New("job cannot be nil")

	// ErrInvalidInterval is returned for non-positive intervals.
	ErrInvalidInterval = errors.New("interval must be positive")

	// ErrJobAlreadyExists is returned when a job with the same name already exists.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrSchedulerAlreadyRunning is returned when Start is called on a running scheduler.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")

	// ErrSchedulerNotRunning is returned when Stop is called on a stopped scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)
