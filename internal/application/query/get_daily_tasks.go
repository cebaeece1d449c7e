// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET DAILY TASKS QUERY
// Возвращает набор ежедневных задач на дату. Набор детерминирован: один и
// тот же день даёт одни и те же задачи на любом устройстве.
// ══════════════════════════════════════════════════════════════════════════════

// GetDailyTasksQuery содержит параметры запроса.
type GetDailyTasksQuery struct {
	// Date - день набора (пустая = сегодня).
	Date time.Time

	// Completed - id уже выполненных задач этого дня, для отметок.
	Completed map[string]bool
}

// DailyTasksResult - результат запроса.
type DailyTasksResult struct {
	Day         timeutil.Day                `json:"day"`
	Tasks       []progression.DailyTaskView `json:"tasks"`
	Completed   int                         `json:"completed"`
	Total       int                         `json:"total"`
	PossibleXP  int                         `json:"possible_xp"`
	BonusXP     int                         `json:"bonus_xp"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// GetDailyTasksHandler обрабатывает запросы ежедневных задач.
type GetDailyTasksHandler struct {
	rules *progression.Rules
	clock progression.Clock
}

// NewGetDailyTasksHandler создаёт новый обработчик.
func NewGetDailyTasksHandler(rules *progression.Rules, clock progression.Clock) *GetDailyTasksHandler {
	if rules == nil {
		rules = progression.DefaultRules()
	}
	if clock == nil {
		clock = progression.SystemClock{}
	}
	return &GetDailyTasksHandler{rules: rules, clock: clock}
}

// Handle выполняет запрос.
func (h *GetDailyTasksHandler) Handle(_ context.Context, q GetDailyTasksQuery) (*DailyTasksResult, error) {
	now := h.clock.Now()
	date := q.Date
	if date.IsZero() {
		date = now
	}

	day := timeutil.DayOf(date)
	tasks := h.rules.DailyTasks(day)
	if len(tasks) == 0 {
		return nil, shared.NewDomainError("query", "GetDailyTasks", shared.ErrNotFound, "task pool is empty")
	}

	result := &DailyTasksResult{
		Day:         day,
		Tasks:       make([]progression.DailyTaskView, 0, len(tasks)),
		Total:       len(tasks),
		BonusXP:     h.rules.Rewards.DailySetBonusXP,
		GeneratedAt: now,
	}
	for _, t := range tasks {
		done := q.Completed[t.ID]
		if done {
			result.Completed++
		}
		result.PossibleXP += t.Points
		result.Tasks = append(result.Tasks, progression.DailyTaskView{Task: t, Completed: done})
	}
	return result, nil
}
