package eventhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// PAYLOAD ACCESS
// События из Redis приходят восстановленными из JSON: конкретного типа нет,
// числа стали float64. Обработчики читают только EventType() и Payload(),
// поэтому работают одинаково с локальной и распределённой шиной.
// ═══════════════════════════════════════════════════════════════════════════

func payloadString(p map[string]interface{}, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(p map[string]interface{}, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func payloadBool(p map[string]interface{}, key string) bool {
	v, _ := p[key].(bool)
	return v
}

// sender - общая часть обработчиков: отправка уведомления в sink.
type sender struct {
	sink   progression.NotificationSink
	logger *slog.Logger
}

func (s sender) send(event shared.Event, level progression.NotificationLevel, title, body string) {
	if s.sink == nil {
		s.logger.Debug("notification sink not configured, skipping",
			"event_type", event.EventType(),
		)
		return
	}

	at := event.OccurredAt()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.sink.Notify(context.Background(), progression.Notification{
		UserID:    shared.UserID(event.AggregateID()),
		Kind:      string(event.EventType()),
		Level:     level,
		Title:     title,
		Body:      body,
		Data:      event.Payload(),
		CreatedAt: at,
	})
}
