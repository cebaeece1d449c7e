package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block bool
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job " + j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return j.err
}

type memLocker struct {
	mu     sync.Mutex
	owners map[string]string
}

func (l *memLocker) TryLock(_ context.Context, resource, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners == nil {
		l.owners = map[string]string{}
	}
	if cur, ok := l.owners[resource]; ok && cur != owner {
		return false, nil
	}
	l.owners[resource] = owner
	return true, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, resource, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[resource] == owner {
		delete(l.owners, resource)
	}
	return nil
}

func newTestScheduler(locker Locker) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Locker:     locker,
		InstanceID: "worker-1",
	})
}

func TestScheduler_Register(t *testing.T) {
	s := newTestScheduler(nil)

	assert.ErrorIs(t, s.Register(nil, time.Minute, 0), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, 0, 0), ErrInvalidInterval)

	require.NoError(t, s.Register(&countingJob{name: "a"}, time.Minute, 0))
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, time.Minute, 0), ErrJobAlreadyExists)
	require.NoError(t, s.Register(&countingJob{name: "b"}, time.Hour, time.Minute))

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, time.Minute, jobs[0].Every)
	assert.Equal(t, "test job b", jobs[1].Description)

	require.NoError(t, s.Unregister("a"))
	assert.ErrorIs(t, s.Unregister("a"), ErrJobNotFound)
	assert.Len(t, s.ListJobs(), 1)
}

func TestScheduler_RunNow(t *testing.T) {
	s := newTestScheduler(nil)
	ok := &countingJob{name: "ok"}
	bad := &countingJob{name: "bad", err: errors.New("db down")}
	require.NoError(t, s.Register(ok, time.Hour, 0))
	require.NoError(t, s.Register(bad, time.Hour, 0))

	var hookName string
	s.OnJobError(func(name string, _ error) { hookName = name })

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Manual)

	res, err = s.RunNow(context.Background(), "bad")
	assert.EqualError(t, err, "db down")
	assert.False(t, res.Success)
	assert.Equal(t, "bad", hookName)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	snap := s.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalExecutions)
	assert.Equal(t, int64(1), snap.TotalFailures)

	history := s.History(10)
	require.Len(t, history, 2)
	assert.Equal(t, "ok", history[0].JobName)
	assert.Equal(t, "bad", history[1].JobName)

	for _, info := range s.ListJobs() {
		assert.Equal(t, int64(1), info.RunCount)
		require.NotNil(t, info.LastResult)
	}
}

func TestScheduler_TimeoutBoundsRun(t *testing.T) {
	s := newTestScheduler(nil)
	job := &countingJob{name: "slow", block: true}
	require.NoError(t, s.Register(job, time.Hour, 20*time.Millisecond))

	res, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Success)
}

func TestScheduler_LockHeldElsewhereSkips(t *testing.T) {
	locker := &memLocker{owners: map[string]string{"job:sweep": "worker-2"}}
	s := newTestScheduler(locker)
	job := &countingJob{name: "sweep"}
	require.NoError(t, s.Register(job, time.Hour, 0))

	res, err := s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, job.runs.Load())

	delete(locker.owners, "job:sweep")
	res, err = s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int32(1), job.runs.Load())
	assert.Empty(t, locker.owners, "lock released after the run")
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := newTestScheduler(nil)
	job := &countingJob{name: "tick"}
	require.NoError(t, s.Register(job, 50*time.Millisecond, 0))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	assert.False(t, s.IsRunning())
}
