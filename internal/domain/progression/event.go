package progression

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETION EVENTS
// ══════════════════════════════════════════════════════════════════════════════

// EventKind - тип события, приходящего от UI или таймера.
type EventKind string

const (
	KindTaskCompleted      EventKind = "task_completed"
	KindLessonCompleted    EventKind = "lesson_completed"
	KindHeartLost          EventKind = "heart_lost"
	KindAchievementClaimed EventKind = "achievement_claimed"
	KindHeartTick          EventKind = "heart_tick"
)

// Event - закрытое множество событий движка.
type Event interface {
	Kind() EventKind
	ID() string
	sealed()
}

// EventMeta - общие поля событий.
type EventMeta struct {
	EventID string `json:"event_id" validate:"required,max=64"`
}

// ID возвращает идентификатор события.
func (m EventMeta) ID() string { return m.EventID }

func (EventMeta) sealed() {}

// NewEventMeta создаёт метаданные с новым идентификатором.
func NewEventMeta() EventMeta {
	return EventMeta{EventID: uuid.NewString()}
}

// TaskCompleted - завершена ежедневная задача.
type TaskCompleted struct {
	EventMeta
	TaskID  string `json:"task_id" validate:"required,max=128"`
	Correct bool   `json:"correct"`
}

// Kind реализует Event.
func (TaskCompleted) Kind() EventKind { return KindTaskCompleted }

// LessonCompleted - завершён урок модуля.
type LessonCompleted struct {
	EventMeta
	ModuleID     string        `json:"module_id" validate:"required,max=64"`
	LessonID     string        `json:"lesson_id" validate:"required,max=64"`
	Score        int           `json:"score" validate:"gte=0,lte=100"`
	TimeSpent    time.Duration `json:"time_spent" validate:"gte=0"`
	Perfect      bool          `json:"perfect"`
	Mistakes     int           `json:"mistakes" validate:"gte=0"`
	Questions    int           `json:"questions" validate:"gte=0,lte=500"`
	AnswerStreak int           `json:"answer_streak" validate:"gte=0"`
}

// Kind реализует Event.
func (LessonCompleted) Kind() EventKind { return KindLessonCompleted }

// HeartLost - ошибка в уроке стоила сердца.
type HeartLost struct {
	EventMeta
}

// Kind реализует Event.
func (HeartLost) Kind() EventKind { return KindHeartLost }

// AchievementClaimed - пользователь забирает награду достижения.
type AchievementClaimed struct {
	EventMeta
	AchievementID AchievementID `json:"achievement_id" validate:"required,max=64"`
}

// Kind реализует Event.
func (AchievementClaimed) Kind() EventKind { return KindAchievementClaimed }

// HeartTick - внутреннее событие таймера: только пересчёт сердец и дня.
type HeartTick struct {
	EventMeta
}

// Kind реализует Event.
func (HeartTick) Kind() EventKind { return KindHeartTick }

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEvent проверяет форму события. Нарушения возвращаются как
// ошибка валидации с перечнем полей.
func ValidateEvent(ev Event) error {
	if ev == nil {
		return shared.Validationf("progression", "ValidateEvent", "event is nil")
	}

	var err error
	switch e := ev.(type) {
	case TaskCompleted:
		err = validate.Struct(e)
	case LessonCompleted:
		err = validate.Struct(e)
		if err == nil && e.Perfect && e.Mistakes > 0 {
			return shared.Validationf("progression", "ValidateEvent", "perfect lesson cannot have mistakes")
		}
	case HeartLost:
		err = validate.Struct(e)
	case AchievementClaimed:
		err = validate.Struct(e)
	case HeartTick:
		err = validate.Struct(e)
	default:
		return shared.ErrUnknownEventKind
	}
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" "+fe.Tag())
		}
		return shared.Validationf("progression", "ValidateEvent", "%s: invalid %s", ev.Kind(), strings.Join(fields, ", "))
	}
	return shared.WrapError("progression", "ValidateEvent", shared.ErrValidation, "invalid event", err)
}
