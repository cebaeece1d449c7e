// Package eventhandler содержит обработчики доменных событий.
// Обработчики реагируют на производные события движка и превращают их в
// уведомления пользователю. Они никогда не меняют прогресс.
package eventhandler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON RANK CHANGED HANDLER
// Обрабатывает повышение ранга и крупные начисления XP.
// ═══════════════════════════════════════════════════════════════════════════

// OnRankChangedHandler обрабатывает событие изменения ранга.
type OnRankChangedHandler struct {
	sender

	// Configuration
	config RankChangedConfig

	// Cooldown per user
	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// RankChangedConfig содержит конфигурацию обработчика.
type RankChangedConfig struct {
	// CooldownPeriod - минимальный интервал между уведомлениями одному
	// пользователю. Пачка наград может поднять ранг дважды подряд.
	CooldownPeriod time.Duration
}

// DefaultRankChangedConfig возвращает конфигурацию по умолчанию.
func DefaultRankChangedConfig() RankChangedConfig {
	return RankChangedConfig{
		CooldownPeriod: 10 * time.Second,
	}
}

// NewOnRankChangedHandler создаёт новый обработчик события изменения ранга.
func NewOnRankChangedHandler(
	sink progression.NotificationSink,
	logger *slog.Logger,
	config RankChangedConfig,
) *OnRankChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &OnRankChangedHandler{
		sender:   sender{sink: sink, logger: logger.With("handler", "on_rank_changed")},
		config:   config,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// EventTypes возвращает типы событий, на которые подписан обработчик.
func (h *OnRankChangedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{shared.EventRankChanged}
}

// Handle обрабатывает событие изменения ранга.
// Реализует интерфейс shared.EventHandler.
func (h *OnRankChangedHandler) Handle(event shared.Event) error {
	p := event.Payload()
	oldRank := payloadString(p, "old_rank")
	newRank := payloadString(p, "new_rank")
	if newRank == "" || newRank == oldRank {
		return nil
	}

	h.logger.Info("processing rank changed event",
		"user_id", event.AggregateID(),
		"old_rank", oldRank,
		"new_rank", newRank,
	)

	if !h.allow(event.AggregateID()) {
		h.logger.Debug("skipping notification",
			"reason", "cooldown",
			"user_id", event.AggregateID(),
		)
		return nil
	}

	h.send(event, progression.LevelSuccess,
		"New rank!",
		fmt.Sprintf("You are now %s.", newRank),
	)
	return nil
}

// allow проверяет cooldown и запоминает время отправки.
func (h *OnRankChangedHandler) allow(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if last, ok := h.lastSent[userID]; ok && now.Sub(last) < h.config.CooldownPeriod {
		return false
	}
	h.lastSent[userID] = now
	return true
}
