package eventhandler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

type captureSink struct {
	mu    sync.Mutex
	items []progression.Notification
}

func (s *captureSink) Notify(_ context.Context, n progression.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
}

func (s *captureSink) all() []progression.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progression.Notification(nil), s.items...)
}

// jsonEvent mimics an event that crossed the Redis bus.
type jsonEvent struct {
	typ     shared.EventType
	user    string
	payload map[string]interface{}
}

func (e jsonEvent) EventType() shared.EventType { return e.typ }
func (e jsonEvent) OccurredAt() time.Time { return time.Time{} }
func (e jsonEvent) AggregateID() string { return e.user }
func (e jsonEvent) Payload() map[string]interface{} { return e.payload }

var at = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandlers_Notifications(t *testing.T) {
	tests := []struct {
		name      string
		event     shared.Event
		wantTitle string
		wantLevel progression.NotificationLevel
	}{
		{
			name: "daily set",
			event: shared.DailySetCompletedEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventDailySetCompleted, "u1", at),
				BonusXP:   50,
			},
			wantTitle: "Daily set complete!",
			wantLevel: progression.LevelSuccess,
		},
		{
			name: "perfect lesson",
			event: shared.LessonCompletedEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventLessonCompleted, "u1", at),
				Perfect:   true,
				XP:        100,
			},
			wantTitle: "Perfect lesson!",
			wantLevel: progression.LevelSuccess,
		},
		{
			name: "failed lesson",
			event: shared.LessonCompletedEvent{
				BaseEvent:   shared.NewBaseEvent(shared.EventLessonCompleted, "u1", at),
				Score:       40,
				HeartsDelta: -1,
			},
			wantTitle: "You lost a heart",
			wantLevel: progression.LevelWarning,
		},
		{
			name: "rank",
			event: shared.RankChangedEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventRankChanged, "u1", at),
				OldRank:   "ECGKid Intern",
				NewRank:   "ECGKid Resident",
			},
			wantTitle: "New rank!",
			wantLevel: progression.LevelSuccess,
		},
		{
			name: "streak broken",
			event: shared.StreakBrokenEvent{
				BaseEvent:      shared.NewBaseEvent(shared.EventStreakBroken, "u1", at),
				PreviousStreak: 6,
				DaysMissed:     2,
			},
			wantTitle: "Streak lost",
			wantLevel: progression.LevelWarning,
		},
		{
			name: "streak milestone",
			event: shared.StreakMilestoneEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventStreakMilestone, "u1", at),
				Streak:    7,
			},
			wantTitle: "7-day streak!",
			wantLevel: progression.LevelSuccess,
		},
		{
			name: "achievement over redis",
			event: jsonEvent{
				typ:  shared.EventAchievementUnlocked,
				user: "u1",
				payload: map[string]interface{}{
					"achievement_id": "first-lesson",
					"title":          "First Heartbeat",
					"reward_xp":      float64(50),
				},
			},
			wantTitle: "Achievement unlocked",
			wantLevel: progression.LevelSuccess,
		},
		{
			name: "hearts full",
			event: shared.HeartsChangedEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventHeartsRegenerated, "u1", at),
				Hearts:    5,
				MaxHearts: 5,
				Delta:     1,
			},
			wantTitle: "Hearts refilled",
			wantLevel: progression.LevelInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			bus := newTestBus()
			require.NoError(t, Register(bus, NewHandlers(sink, quietLogger(), DefaultConfig())...))

			bus.publish(tt.event)

			got := sink.all()
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantTitle, got[0].Title)
			assert.Equal(t, tt.wantLevel, got[0].Level)
			assert.Equal(t, shared.UserID("u1"), got[0].UserID)
			assert.Equal(t, string(tt.event.EventType()), got[0].Kind)
		})
	}
}

func TestHandlers_Silent(t *testing.T) {
	tests := []struct {
		name  string
		event shared.Event
		cfg   func(*Config)
	}{
		{
			name: "one day streak lost",
			event: shared.StreakBrokenEvent{
				BaseEvent:      shared.NewBaseEvent(shared.EventStreakBroken, "u1", at),
				PreviousStreak: 1,
			},
		},
		{
			name: "partial regeneration",
			event: shared.HeartsChangedEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventHeartsRegenerated, "u1", at),
				Hearts:    3,
				MaxHearts: 5,
				Delta:     1,
			},
		},
		{
			name: "practice lesson",
			event: shared.LessonCompletedEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventLessonCompleted, "u1", at),
				Perfect:   true,
				Practice:  true,
			},
		},
		{
			name: "streak notifications disabled",
			event: shared.StreakMilestoneEvent{
				BaseEvent: shared.NewBaseEvent(shared.EventStreakMilestone, "u1", at),
				Streak:    7,
			},
			cfg: func(c *Config) { c.StreakNotifications = false },
		},
		{
			name:  "hearts depleted with heart notifications off",
			event: shared.HeartsChangedEvent{BaseEvent: shared.NewBaseEvent(shared.EventHeartsDepleted, "u1", at)},
			cfg:   func(c *Config) { c.HeartNotifications = false },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			sink := &captureSink{}
			bus := newTestBus()
			require.NoError(t, Register(bus, NewHandlers(sink, quietLogger(), cfg)...))

			bus.publish(tt.event)
			assert.Empty(t, sink.all())
		})
	}
}

func TestOnRankChanged_Cooldown(t *testing.T) {
	sink := &captureSink{}
	h := NewOnRankChangedHandler(sink, quietLogger(), RankChangedConfig{CooldownPeriod: time.Minute})
	now := at
	h.now = func() time.Time { return now }

	ev := func(rank string) shared.Event {
		return shared.RankChangedEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventRankChanged, "u1", now),
			OldRank:   "a",
			NewRank:   rank,
		}
	}

	require.NoError(t, h.Handle(ev("b")))
	require.NoError(t, h.Handle(ev("c")))
	now = now.Add(2 * time.Minute)
	require.NoError(t, h.Handle(ev("d")))

	assert.Len(t, sink.all(), 2)
}

// testBus is a synchronous subscriber used to check the subscriptions.
type testBus struct {
	handlers map[shared.EventType][]shared.EventHandler
}

func newTestBus() *testBus {
	return &testBus{handlers: make(map[shared.EventType][]shared.EventHandler)}
}

func (b *testBus) Subscribe(t shared.EventType, h shared.EventHandler) error {
	b.handlers[t] = append(b.handlers[t], h)
	return nil
}

func (b *testBus) SubscribeAll(h shared.EventHandler) error { return nil }

func (b *testBus) publish(e shared.Event) {
	for _, h := range b.handlers[e.EventType()] {
		_ = h(e)
	}
}
