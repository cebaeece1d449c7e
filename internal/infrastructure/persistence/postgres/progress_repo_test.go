package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

func TestBuildPatchUpdate(t *testing.T) {
	at := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	day := timeutil.DayOf(at)
	lastDepletion := at.Add(-10 * time.Minute)

	tests := []struct {
		name      string
		patch     progression.Patch
		wantQuery string
		wantArgs  []any
	}{
		{
			name: "task deltas",
			patch: progression.Patch{
				XPDelta:   20,
				GemsDelta: 1,
				Counters:  progression.Counters{TotalTasksCompleted: 1, QuizzesCompleted: 1},
			},
			wantQuery: "UPDATE user_progress SET xp = xp + $1, gems = gems + $2, " +
				"total_tasks_completed = total_tasks_completed + $3, quizzes_completed = quizzes_completed + $4, " +
				"updated_at = $5 WHERE user_id = $6",
			wantArgs: []any{int64(20), int64(1), int64(1), int64(1), at, "u1"},
		},
		{
			name:      "day rollover resets the set",
			patch:     progression.Patch{TaskDay: &day},
			wantQuery: "UPDATE user_progress SET task_day = $1, daily_set_completed = FALSE, updated_at = $2 WHERE user_id = $3",
			wantArgs:  []any{day.Index(), at, "u1"},
		},
		{
			name: "hearts and streak are replaced",
			patch: progression.Patch{
				Hearts:            &progression.HeartsState{Hearts: 4, LastDepletion: &lastDepletion},
				Streak:            &progression.StreakState{Current: 3, Longest: 7},
				DailySetCompleted: true,
			},
			wantQuery: "UPDATE user_progress SET hearts = $1, last_heart_depletion = $2, " +
				"current_streak = $3, longest_streak = $4, last_activity_day = $5, " +
				"daily_set_completed = TRUE, updated_at = $6 WHERE user_id = $7",
			wantArgs: []any{4, &lastDepletion, 3, 7, (*int64)(nil), at, "u1"},
		},
		{
			name:      "negative gem delta",
			patch:     progression.Patch{GemsDelta: -50},
			wantQuery: "UPDATE user_progress SET gems = gems + $1, updated_at = $2 WHERE user_id = $3",
			wantArgs:  []any{int64(-50), at, "u1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildPatchUpdate(progression.Commit{UserID: "u1", Patch: tt.patch, At: at})
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		permission bool
		retryable  bool
		notFound   bool
		exists     bool
	}{
		{name: "no rows", err: pgx.ErrNoRows, notFound: true},
		{name: "missing parent row", err: &pgconn.PgError{Code: "23503"}, notFound: true},
		{name: "duplicate", err: &pgconn.PgError{Code: "23505"}, exists: true},
		{name: "rls denied", err: &pgconn.PgError{Code: "42501"}, permission: true},
		{name: "bad password", err: &pgconn.PgError{Code: "28P01"}, permission: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, retryable: true},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, retryable: true},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), retryable: true},
		{name: "pool closed", err: ErrConnectionClosed, retryable: true},
		{name: "bad input", err: &pgconn.PgError{Code: "22P02"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("Commit", tt.err)
			assert.Equal(t, tt.permission, shared.IsPermission(err), "permission")
			assert.Equal(t, tt.retryable, shared.IsRetryable(err), "retryable")
			assert.Equal(t, tt.notFound, shared.IsNotFound(err), "not found")
			assert.Equal(t, tt.exists, errors.Is(err, shared.ErrAlreadyExists), "already exists")
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, mapError("Commit", nil))
}
