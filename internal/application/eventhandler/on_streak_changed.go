package eventhandler

import (
	"fmt"
	"log/slog"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON STREAK CHANGED HANDLER
// Серия - главный мотиватор возвращаться каждый день.
//
// Правила:
// - Прерванную серию длиной 1 не оплакиваем (движок такое событие не шлёт)
// - Вехи (3, 5, каждые 7 дней) празднуем
// - Прерывание подаётся мягко, с предложением начать заново
// ═══════════════════════════════════════════════════════════════════════════

// OnStreakChangedHandler обрабатывает события серии.
type OnStreakChangedHandler struct {
	sender
	enabled bool
}

// NewOnStreakChangedHandler создаёт обработчик. enabled=false глушит все
// уведомления о серии (флаг streak notifications).
func NewOnStreakChangedHandler(
	sink progression.NotificationSink,
	logger *slog.Logger,
	enabled bool,
) *OnStreakChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &OnStreakChangedHandler{
		sender:  sender{sink: sink, logger: logger.With("handler", "on_streak_changed")},
		enabled: enabled,
	}
}

// EventTypes возвращает типы событий, на которые подписан обработчик.
func (h *OnStreakChangedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{shared.EventStreakBroken, shared.EventStreakMilestone}
}

// Handle обрабатывает событие серии.
func (h *OnStreakChangedHandler) Handle(event shared.Event) error {
	if !h.enabled {
		return nil
	}
	p := event.Payload()

	switch event.EventType() {
	case shared.EventStreakBroken:
		previous := payloadInt(p, "previous_streak")
		if previous <= 1 {
			return nil
		}
		h.logger.Info("streak broken",
			"user_id", event.AggregateID(),
			"previous_streak", previous,
			"days_missed", payloadInt(p, "days_missed"),
		)
		h.send(event, progression.LevelWarning,
			"Streak lost",
			fmt.Sprintf("Your %d-day streak ended. Finish today's tasks to start a new one.", previous),
		)

	case shared.EventStreakMilestone:
		streak := payloadInt(p, "streak")
		h.send(event, progression.LevelSuccess,
			fmt.Sprintf("%d-day streak!", streak),
			"Keep the rhythm going tomorrow.",
		)
	}

	return nil
}
