package eventhandler

import (
	"fmt"
	"log/slog"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON ACHIEVEMENT HANDLER
// Достижения, модули и сердца: всё, что пользователь должен увидеть сразу.
// ═══════════════════════════════════════════════════════════════════════════

// OnAchievementHandler обрабатывает события достижений, модулей и сердец.
type OnAchievementHandler struct {
	sender
	notifyHearts bool
}

// NewOnAchievementHandler создаёт обработчик.
func NewOnAchievementHandler(
	sink progression.NotificationSink,
	logger *slog.Logger,
	notifyHearts bool,
) *OnAchievementHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &OnAchievementHandler{
		sender:       sender{sink: sink, logger: logger.With("handler", "on_achievement")},
		notifyHearts: notifyHearts,
	}
}

// EventTypes возвращает типы событий, на которые подписан обработчик.
func (h *OnAchievementHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventAchievementUnlocked,
		shared.EventModuleUnlocked,
		shared.EventModuleCompleted,
		shared.EventHeartsDepleted,
		shared.EventHeartsRegenerated,
	}
}

// Handle обрабатывает событие.
func (h *OnAchievementHandler) Handle(event shared.Event) error {
	p := event.Payload()

	switch event.EventType() {
	case shared.EventAchievementUnlocked:
		title := payloadString(p, "title")
		h.logger.Info("achievement unlocked",
			"user_id", event.AggregateID(),
			"achievement_id", payloadString(p, "achievement_id"),
		)
		h.send(event, progression.LevelSuccess,
			"Achievement unlocked",
			fmt.Sprintf("%s: claim +%d XP.", title, payloadInt(p, "reward_xp")),
		)

	case shared.EventModuleUnlocked:
		h.send(event, progression.LevelInfo,
			"New module available",
			fmt.Sprintf("%s is now open.", payloadString(p, "title")),
		)

	case shared.EventModuleCompleted:
		h.send(event, progression.LevelSuccess,
			"Module completed",
			fmt.Sprintf("You finished %s.", payloadString(p, "title")),
		)

	case shared.EventHeartsDepleted:
		if !h.notifyHearts {
			return nil
		}
		h.send(event, progression.LevelWarning,
			"Out of hearts",
			"Hearts refill over time. Review a finished lesson while you wait.",
		)

	case shared.EventHeartsRegenerated:
		maxHearts := payloadInt(p, "max_hearts")
		if !h.notifyHearts || maxHearts == 0 || payloadInt(p, "hearts") < maxHearts {
			return nil
		}
		h.send(event, progression.LevelInfo,
			"Hearts refilled",
			fmt.Sprintf("All %d hearts are back.", maxHearts),
		)
	}

	return nil
}
