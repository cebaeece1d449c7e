package local

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func newGuest(id string) *progression.UserProgress {
	return progression.NewUserProgress(shared.UserID(id), "Guest", true, now, progression.DefaultRules())
}

func taskCommit(id, taskID string, xp int) progression.Commit {
	day := timeutil.DayOf(now)
	return progression.Commit{
		UserID: shared.UserID(id),
		Kind:   progression.KindTaskCompleted,
		Key:    progression.TaskKey(day, taskID),
		Patch: progression.Patch{
			XPDelta: xp,
			CompletedTask: &progression.CompletedTask{
				TaskID:      taskID,
				XP:          xp,
				CompletedAt: now,
			},
		},
		At: now,
	}
}

func TestBackend_InMemory(t *testing.T) {
	ctx := context.Background()
	b := NewBackend(nil, nil)

	_, err := b.Load(ctx, "guest-1")
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, b.Create(ctx, newGuest("guest-1")))
	assert.ErrorIs(t, b.Create(ctx, newGuest("guest-1")), shared.ErrAlreadyExists)

	applied, err := b.Commit(ctx, taskCommit("guest-1", "quiz-1", 20))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = b.Commit(ctx, taskCommit("guest-1", "quiz-1", 20))
	require.NoError(t, err)
	assert.False(t, applied, "same key is applied once")

	p, err := b.Load(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, 20, p.XP)
	assert.Contains(t, p.CompletedTasks, "quiz-1")

	// Load hands out copies.
	p.XP = 999
	again, err := b.Load(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, 20, again.XP)

	_, err = b.Commit(ctx, taskCommit("guest-2", "quiz-1", 20))
	assert.True(t, shared.IsNotFound(err))
}

func TestBackend_MirrorSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")

	store, err := OpenDeviceStore(path)
	require.NoError(t, err)
	b := NewBackend(store, nil)

	require.NoError(t, b.Create(ctx, newGuest("guest-1")))
	_, err = b.Commit(ctx, taskCommit("guest-1", "quiz-1", 20))
	require.NoError(t, err)
	_, err = b.Commit(ctx, taskCommit("guest-1", "flash-1", 15))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	store, err = OpenDeviceStore(path)
	require.NoError(t, err)
	restarted := NewBackend(store, nil)
	defer restarted.Close()

	p, err := restarted.Load(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, 35, p.XP)
	assert.Equal(t, 50, p.Gems)
	assert.Len(t, p.CompletedTasks, 2)

	applied, err := restarted.Commit(ctx, taskCommit("guest-1", "quiz-1", 20))
	require.NoError(t, err)
	assert.False(t, applied, "keys survive the restart")
}

func TestBackend_ForgetKeepsMirror(t *testing.T) {
	ctx := context.Background()
	store, err := OpenDeviceStore(":memory:")
	require.NoError(t, err)
	b := NewBackend(store, nil)
	defer b.Close()

	require.NoError(t, b.Create(ctx, newGuest("guest-1")))
	_, err = b.Commit(ctx, taskCommit("guest-1", "quiz-1", 20))
	require.NoError(t, err)

	b.Forget("guest-1")
	assert.Zero(t, b.Len())

	p, err := b.Load(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, 20, p.XP)
	assert.Equal(t, 1, b.Len())
}

func TestDeviceStore_Checkpoints(t *testing.T) {
	ctx := context.Background()
	store, err := OpenDeviceStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LoadCheckpoint(ctx, "guest-1", "lesson-3")
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, store.SaveCheckpoint(ctx, "guest-1", "lesson-3", []byte(`{"step":2}`)))
	require.NoError(t, store.SaveCheckpoint(ctx, "guest-1", "lesson-3", []byte(`{"step":4}`)))

	data, err := store.LoadCheckpoint(ctx, "guest-1", "lesson-3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":4}`, string(data))

	require.NoError(t, store.DeleteCheckpoint(ctx, "guest-1", "lesson-3"))
	_, err = store.LoadCheckpoint(ctx, "guest-1", "lesson-3")
	assert.True(t, shared.IsNotFound(err))
}

func TestDeviceStore_PurgeKeys(t *testing.T) {
	ctx := context.Background()
	store, err := OpenDeviceStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	p := newGuest("guest-1")
	require.NoError(t, store.SaveProgress(ctx, p))

	applied, err := store.CommitProgress(ctx, p, "task:old", now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = store.CommitProgress(ctx, p, "task:new", now)
	require.NoError(t, err)
	assert.True(t, applied)

	n, err := store.PurgeKeysBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, keys, err := store.LoadProgress(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task:new"}, keys)
}
