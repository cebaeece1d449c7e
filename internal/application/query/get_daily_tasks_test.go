package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

func TestGetDailyTasks_DefaultsToToday(t *testing.T) {
	rules := progression.DefaultRules()
	h := NewGetDailyTasksHandler(rules, progression.NewFixedClock(testNow))

	result, err := h.Handle(context.Background(), GetDailyTasksQuery{})
	require.NoError(t, err)

	assert.Equal(t, timeutil.DayOf(testNow), result.Day)
	assert.Equal(t, rules.DailyTaskCount, result.Total)
	assert.Len(t, result.Tasks, result.Total)
	assert.Zero(t, result.Completed)
	assert.Equal(t, rules.Rewards.DailySetBonusXP, result.BonusXP)

	possible := 0
	for _, task := range result.Tasks {
		possible += task.Points
	}
	assert.Equal(t, possible, result.PossibleXP)
}

func TestGetDailyTasks_SameDaySameSet(t *testing.T) {
	h := NewGetDailyTasksHandler(nil, progression.NewFixedClock(testNow))
	morning := testNow.Add(-9 * time.Hour)

	a, err := h.Handle(context.Background(), GetDailyTasksQuery{Date: morning})
	require.NoError(t, err)
	b, err := h.Handle(context.Background(), GetDailyTasksQuery{})
	require.NoError(t, err)

	assert.Equal(t, a.Tasks, b.Tasks)
}

func TestGetDailyTasks_MarksCompleted(t *testing.T) {
	rules := progression.DefaultRules()
	h := NewGetDailyTasksHandler(rules, progression.NewFixedClock(testNow))
	tasks := rules.DailyTasks(timeutil.DayOf(testNow))
	require.NotEmpty(t, tasks)

	result, err := h.Handle(context.Background(), GetDailyTasksQuery{
		Completed: map[string]bool{tasks[0].ID: true, "not-today": true},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Completed)
	assert.True(t, result.Tasks[0].Completed)
	for _, v := range result.Tasks[1:] {
		assert.False(t, v.Completed)
	}
}

func TestGetDailyTasks_EmptyPool(t *testing.T) {
	rules := progression.DefaultRules()
	rules.TaskPool = nil
	h := NewGetDailyTasksHandler(rules, progression.NewFixedClock(testNow))

	_, err := h.Handle(context.Background(), GetDailyTasksQuery{})
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))
}
