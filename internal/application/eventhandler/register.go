package eventhandler

import (
	"fmt"
	"log/slog"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// Handler - обработчик с собственным списком типов событий.
type Handler interface {
	EventTypes() []shared.EventType
	Handle(event shared.Event) error
}

// Config включает группы уведомлений.
type Config struct {
	TaskCompleted       TaskCompletedConfig
	RankChanged         RankChangedConfig
	StreakNotifications bool
	HeartNotifications  bool
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		TaskCompleted:       DefaultTaskCompletedConfig(),
		RankChanged:         DefaultRankChangedConfig(),
		StreakNotifications: true,
		HeartNotifications:  true,
	}
}

// NewHandlers создаёт все обработчики уведомлений.
func NewHandlers(sink progression.NotificationSink, logger *slog.Logger, cfg Config) []Handler {
	return []Handler{
		NewOnTaskCompletedHandler(sink, logger, cfg.TaskCompleted),
		NewOnRankChangedHandler(sink, logger, cfg.RankChanged),
		NewOnStreakChangedHandler(sink, logger, cfg.StreakNotifications),
		NewOnAchievementHandler(sink, logger, cfg.HeartNotifications),
	}
}

// Register подписывает обработчики на шину.
func Register(sub shared.EventSubscriber, handlers ...Handler) error {
	for _, h := range handlers {
		for _, t := range h.EventTypes() {
			if err := sub.Subscribe(t, h.Handle); err != nil {
				return fmt.Errorf("subscribe %T to %s: %w", h, t, err)
			}
		}
	}
	return nil
}
