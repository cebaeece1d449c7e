// Package eventhandler содержит обработчики доменных событий.
package eventhandler

import (
	"fmt"
	"log/slog"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON TASK COMPLETED HANDLER
// Обрабатывает выполнение ежедневных задач и уроков.
//
// Ключевые функции:
// 1. Поздравление с закрытым ежедневным набором (бонус XP)
// 2. Отметка идеального урока
// 3. Предупреждение о потере сердца на проваленном уроке
// ═══════════════════════════════════════════════════════════════════════════

// OnTaskCompletedHandler обрабатывает события выполнения задач и уроков.
type OnTaskCompletedHandler struct {
	sender

	// Configuration
	config TaskCompletedConfig
}

// TaskCompletedConfig содержит конфигурацию обработчика.
type TaskCompletedConfig struct {
	// NotifyDailySet - поздравлять с закрытым набором дня.
	NotifyDailySet bool

	// NotifyPerfectLesson - отмечать идеальные уроки.
	NotifyPerfectLesson bool

	// NotifyFailedLesson - предупреждать о потерянном сердце.
	NotifyFailedLesson bool
}

// DefaultTaskCompletedConfig возвращает конфигурацию по умолчанию.
func DefaultTaskCompletedConfig() TaskCompletedConfig {
	return TaskCompletedConfig{
		NotifyDailySet:      true,
		NotifyPerfectLesson: true,
		NotifyFailedLesson:  true,
	}
}

// NewOnTaskCompletedHandler создаёт новый обработчик.
func NewOnTaskCompletedHandler(
	sink progression.NotificationSink,
	logger *slog.Logger,
	config TaskCompletedConfig,
) *OnTaskCompletedHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &OnTaskCompletedHandler{
		sender: sender{sink: sink, logger: logger.With("handler", "on_task_completed")},
		config: config,
	}
}

// EventTypes возвращает типы событий, на которые подписан обработчик.
func (h *OnTaskCompletedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{shared.EventDailySetCompleted, shared.EventLessonCompleted}
}

// Handle обрабатывает событие.
// Реализует интерфейс shared.EventHandler.
func (h *OnTaskCompletedHandler) Handle(event shared.Event) error {
	p := event.Payload()

	switch event.EventType() {
	case shared.EventDailySetCompleted:
		if !h.config.NotifyDailySet {
			return nil
		}
		bonus := payloadInt(p, "bonus_xp")
		h.logger.Info("daily set completed",
			"user_id", event.AggregateID(),
			"bonus_xp", bonus,
		)
		h.send(event, progression.LevelSuccess,
			"Daily set complete!",
			fmt.Sprintf("All of today's tasks are done. +%d bonus XP.", bonus),
		)

	case shared.EventLessonCompleted:
		if payloadBool(p, "practice") {
			return nil
		}
		switch {
		case payloadBool(p, "perfect") && h.config.NotifyPerfectLesson:
			h.send(event, progression.LevelSuccess,
				"Perfect lesson!",
				fmt.Sprintf("No mistakes. +%d XP and a heart back.", payloadInt(p, "xp")),
			)
		case payloadInt(p, "hearts_delta") < 0 && h.config.NotifyFailedLesson:
			h.send(event, progression.LevelWarning,
				"You lost a heart",
				fmt.Sprintf("Score %d%%. Review the lesson and try again.", payloadInt(p, "score")),
			)
		}

	default:
		h.logger.Warn("unexpected event type", "event_type", event.EventType())
	}

	return nil
}
