package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/application/session"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/persistence/local"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newLocalStore(t *testing.T, records ...*progression.UserProgress) *session.Store {
	t.Helper()
	store := session.NewStore(local.NewBackend(nil, nil))
	for _, p := range records {
		require.NoError(t, store.Create(context.Background(), p))
	}
	return store
}

func TestGetProgress_Validation(t *testing.T) {
	h := NewGetProgressHandler(nil, nil, nil, nil)

	_, err := h.Handle(context.Background(), GetProgressQuery{UserID: "   "})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
}

func TestGetProgress_GuestReadsLocalStore(t *testing.T) {
	rules := progression.DefaultRules()
	guest := progression.NewUserProgress("guest-42", "", true, testNow, rules)
	state := guest.Achievements["first-lesson"]
	state.Progress = state.Total
	state.Completed = true
	guest.Achievements["first-lesson"] = state

	h := NewGetProgressHandler(nil, newLocalStore(t, guest), rules, progression.NewFixedClock(testNow))

	result, err := h.Handle(context.Background(), GetProgressQuery{UserID: "guest-42"})
	require.NoError(t, err)

	assert.Equal(t, "local", result.Backend)
	assert.True(t, result.Snapshot.Guest)
	assert.Equal(t, rules.GuestStartingGems, result.Snapshot.Gems)
	assert.Equal(t, testNow, result.GeneratedAt)
	assert.Equal(t, []progression.AchievementID{"first-lesson"}, result.Claimable)

	require.Len(t, result.Snapshot.Modules, 1, "locked modules are hidden")
	assert.Equal(t, "module-1", result.Snapshot.Modules[0].ModuleID)
	require.Len(t, result.Snapshot.Achievements, 1, "untouched achievements are hidden")
}

func TestGetProgress_IncludeLocked(t *testing.T) {
	rules := progression.DefaultRules()
	guest := progression.NewUserProgress("guest-7", "", true, testNow, rules)
	h := NewGetProgressHandler(nil, newLocalStore(t, guest), rules, progression.NewFixedClock(testNow))

	result, err := h.Handle(context.Background(), GetProgressQuery{UserID: "guest-7", IncludeLocked: true})
	require.NoError(t, err)

	assert.Len(t, result.Snapshot.Modules, rules.Modules.Len())
	assert.Len(t, result.Snapshot.Achievements, len(rules.Achievements.Specs()))
	assert.Empty(t, result.Claimable)
}

func TestGetProgress_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		durable *session.Store
		userID  string
	}{
		{name: "no durable store", userID: "user-1"},
		{name: "unknown guest", userID: "guest-missing"},
		{name: "unknown user", durable: session.NewStore(local.NewBackend(nil, nil)), userID: "user-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewGetProgressHandler(tt.durable, newLocalStore(t), nil, progression.NewFixedClock(testNow))

			_, err := h.Handle(context.Background(), GetProgressQuery{UserID: tt.userID})
			require.Error(t, err)
			assert.True(t, shared.IsNotFound(err))
		})
	}
}
