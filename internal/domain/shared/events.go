// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. They are derived from applied progression events and
// drive notifications and cache invalidation.
const (
	// Progress events
	EventTaskCompleted     EventType = "progress.task_completed"
	EventDailySetCompleted EventType = "progress.daily_set_completed"
	EventLessonCompleted   EventType = "progress.lesson_completed"
	EventXPGained          EventType = "progress.xp_gained"
	EventRankChanged       EventType = "progress.rank_changed"

	// Streak events
	EventStreakUpdated   EventType = "streak.updated"
	EventStreakBroken    EventType = "streak.broken"
	EventStreakMilestone EventType = "streak.milestone"

	// Heart events
	EventHeartLost         EventType = "hearts.lost"
	EventHeartsDepleted    EventType = "hearts.depleted"
	EventHeartsRegenerated EventType = "hearts.regenerated"

	// Module events
	EventModuleUnlocked  EventType = "module.unlocked"
	EventModuleCompleted EventType = "module.completed"

	// Achievement events
	EventAchievementUnlocked EventType = "achievement.unlocked"
	EventAchievementClaimed  EventType = "achievement.claimed"

	// System events
	EventPersistenceFailed EventType = "system.persistence_failed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the user the event belongs to.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped at the given instant.
func NewBaseEvent(eventType EventType, userID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: userID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID (the id of the progression event
// that caused this one).
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// TaskCompletedEvent is emitted when a daily task is credited.
type TaskCompletedEvent struct {
	BaseEvent
	TaskID  string `json:"task_id"`
	Correct bool   `json:"correct"`
	XP      int    `json:"xp"`
	Gems    int    `json:"gems"`
}

// Payload implements Event interface.
func (e TaskCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"task_id": e.TaskID,
		"correct": e.Correct,
		"xp":      e.XP,
		"gems":    e.Gems,
	}
}

// DailySetCompletedEvent is emitted once per day when every daily task is done.
type DailySetCompletedEvent struct {
	BaseEvent
	BonusXP int    `json:"bonus_xp"`
	Day     string `json:"day"`
}

// Payload implements Event interface.
func (e DailySetCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"bonus_xp": e.BonusXP,
		"day":      e.Day,
	}
}

// LessonCompletedEvent is emitted when a lesson completion is credited.
type LessonCompletedEvent struct {
	BaseEvent
	ModuleID    string `json:"module_id"`
	LessonID    string `json:"lesson_id"`
	Score       int    `json:"score"`
	Perfect     bool   `json:"perfect"`
	XP          int    `json:"xp"`
	Gems        int    `json:"gems"`
	HeartsDelta int    `json:"hearts_delta"`
	Practice    bool   `json:"practice"`
}

// Payload implements Event interface.
func (e LessonCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"module_id":    e.ModuleID,
		"lesson_id":    e.LessonID,
		"score":        e.Score,
		"perfect":      e.Perfect,
		"xp":           e.XP,
		"gems":         e.Gems,
		"hearts_delta": e.HeartsDelta,
		"practice":     e.Practice,
	}
}

// XPGainedEvent is emitted whenever XP is credited.
type XPGainedEvent struct {
	BaseEvent
	Amount   int    `json:"amount"`
	NewTotal int    `json:"new_total"`
	Source   string `json:"source"`
}

// Payload implements Event interface.
func (e XPGainedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"amount":    e.Amount,
		"new_total": e.NewTotal,
		"source":    e.Source,
	}
}

// RankChangedEvent is emitted when XP moves the user into a new rank.
type RankChangedEvent struct {
	BaseEvent
	OldRank string `json:"old_rank"`
	NewRank string `json:"new_rank"`
}

// Payload implements Event interface.
func (e RankChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_rank": e.OldRank,
		"new_rank": e.NewRank,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Streak Events
// ═══════════════════════════════════════════════════════════════════════════

// StreakUpdatedEvent is emitted when the daily streak advances.
type StreakUpdatedEvent struct {
	BaseEvent
	CurrentStreak int `json:"current_streak"`
	LongestStreak int `json:"longest_streak"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"current_streak": e.CurrentStreak,
		"longest_streak": e.LongestStreak,
	}
}

// StreakBrokenEvent is emitted when a gap of more than one day resets the streak.
type StreakBrokenEvent struct {
	BaseEvent
	PreviousStreak int `json:"previous_streak"`
	DaysMissed     int `json:"days_missed"`
}

// Payload implements Event interface.
func (e StreakBrokenEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"previous_streak": e.PreviousStreak,
		"days_missed":     e.DaysMissed,
	}
}

// StreakMilestoneEvent is emitted for celebrated streak lengths.
type StreakMilestoneEvent struct {
	BaseEvent
	Streak int `json:"streak"`
}

// Payload implements Event interface.
func (e StreakMilestoneEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"streak": e.Streak,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Heart Events
// ═══════════════════════════════════════════════════════════════════════════

// HeartsChangedEvent covers lost, depleted and regenerated hearts; the type
// tells which.
type HeartsChangedEvent struct {
	BaseEvent
	Hearts    int `json:"hearts"`
	MaxHearts int `json:"max_hearts"`
	Delta     int `json:"delta"`
}

// Payload implements Event interface.
func (e HeartsChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"hearts":     e.Hearts,
		"max_hearts": e.MaxHearts,
		"delta":      e.Delta,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Module & Achievement Events
// ═══════════════════════════════════════════════════════════════════════════

// ModuleEvent covers module unlock and completion.
type ModuleEvent struct {
	BaseEvent
	ModuleID string `json:"module_id"`
	Title    string `json:"title"`
}

// Payload implements Event interface.
func (e ModuleEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"module_id": e.ModuleID,
		"title":     e.Title,
	}
}

// AchievementEvent covers achievement unlock and claim.
type AchievementEvent struct {
	BaseEvent
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title"`
	RewardXP      int    `json:"reward_xp"`
	RewardGems    int    `json:"reward_gems"`
}

// Payload implements Event interface.
func (e AchievementEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievement_id": e.AchievementID,
		"title":          e.Title,
		"reward_xp":      e.RewardXP,
		"reward_gems":    e.RewardGems,
	}
}

// PersistenceFailedEvent is emitted when a durable write could not be
// confirmed after the store's retry policy ran out.
type PersistenceFailedEvent struct {
	BaseEvent
	Operation  string `json:"operation"`
	Reason     string `json:"reason"`
	Permission bool   `json:"permission"`
}

// Payload implements Event interface.
func (e PersistenceFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"operation":  e.Operation,
		"reason":     e.Reason,
		"permission": e.Permission,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
