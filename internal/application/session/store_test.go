package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/circuitbreaker"
	"github.com/pulsepoint/pulsepoint-progress/pkg/retry"
)

func xpCommit(id shared.UserID, eventID string) progression.Commit {
	return progression.Commit{
		UserID: id,
		Kind:   progression.KindLessonCompleted,
		Key:    progression.EventKey(eventID),
		Patch:  progression.Patch{XPDelta: 10},
		At:     time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestIsBreakerFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "permission", err: shared.NewDomainError("durable", "Commit", shared.ErrPermission, "rls denied"), want: false},
		{name: "not found", err: shared.ErrRecordNotFound, want: false},
		{name: "validation", err: shared.Validationf("durable", "Commit", "bad patch"), want: false},
		{name: "already exists", err: shared.ErrAlreadyExists, want: false},
		{name: "classified permission", err: retry.Permanent(shared.NewDomainError("durable", "Commit", shared.ErrPermission, "rls denied")), want: false},
		{name: "unavailable", err: shared.NewDomainError("durable", "Commit", shared.ErrServiceUnavailable, "connection refused"), want: true},
		{name: "classified timeout", err: retry.Retryable(context.DeadlineExceeded), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBreakerFailure(tt.err))
		})
	}
}

func TestStore_RejectedIdentityDoesNotOpenBreaker(t *testing.T) {
	backend := newFakeBackend(progression.BackendDurable)
	require.NoError(t, backend.Create(context.Background(),
		progression.NewUserProgress("uid-ok", "Ok", false, time.Now(), progression.DefaultRules())))

	breaker := NewBreaker("durable-test",
		circuitbreaker.WithFailureThreshold(2),
		circuitbreaker.WithCooldown(time.Hour),
	)
	store := NewStore(backend, WithPolicy(instantPolicy), WithBreaker(breaker))

	for i, id := range []string{"e-1", "e-2", "e-3"} {
		_, err := store.Persist(context.Background(), xpCommit("uid-gone", id))
		require.Error(t, err, "commit %d", i)
		assert.True(t, shared.IsPermission(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	applied, err := store.Persist(context.Background(), xpCommit("uid-ok", "e-4"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 10, backend.record("uid-ok").XP)
}

func TestStore_UnavailableBackendOpensBreaker(t *testing.T) {
	backend := newFakeBackend(progression.BackendDurable)
	require.NoError(t, backend.Create(context.Background(),
		progression.NewUserProgress("uid-ok", "Ok", false, time.Now(), progression.DefaultRules())))
	backend.setCommitErr(shared.NewDomainError("durable", "Commit", shared.ErrServiceUnavailable, "connection refused"))

	breaker := NewBreaker("durable-test",
		circuitbreaker.WithFailureThreshold(2),
		circuitbreaker.WithCooldown(time.Hour),
	)
	store := NewStore(backend, WithPolicy(instantPolicy), WithBreaker(breaker))

	_, err := store.Persist(context.Background(), xpCommit("uid-ok", "e-1"))
	require.Error(t, err)
	assert.True(t, shared.IsPersistence(err))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	attempts := backend.attempts
	_, err = store.Persist(context.Background(), xpCommit("uid-ok", "e-2"))
	require.Error(t, err)
	assert.Equal(t, attempts, backend.attempts, "an open breaker keeps calls off the backend")
}

func TestStore_ResendDoesNotNotify(t *testing.T) {
	backend := newFakeBackend(progression.BackendDurable)
	sink := &recordingSink{}
	store := NewStore(backend, WithPolicy(instantPolicy), WithNotifier(sink))

	_, err := store.Persist(context.Background(), xpCommit("uid-gone", "e-1"))
	require.Error(t, err)
	_, err = store.Resend(context.Background(), xpCommit("uid-gone", "e-1"))
	require.Error(t, err)

	assert.Equal(t, 1, sink.count())
}
