package progression

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMMIT & PATCH
// ══════════════════════════════════════════════════════════════════════════════

// KeyKind - тип ключа идемпотентности.
type KeyKind string

const (
	// KeyTask - задача: один раз на (день, taskID).
	KeyTask KeyKind = "task"

	// KeyEvent - любое другое событие: один раз на EventID.
	KeyEvent KeyKind = "event"
)

// IdempotencyKey определяет, применялся ли уже коммит.
type IdempotencyKey struct {
	Kind    KeyKind
	Day     timeutil.Day
	TaskID  string
	EventID string
}

// TaskKey строит ключ задачи.
func TaskKey(day timeutil.Day, taskID string) IdempotencyKey {
	return IdempotencyKey{Kind: KeyTask, Day: day, TaskID: taskID}
}

// EventKey строит ключ события.
func EventKey(eventID string) IdempotencyKey {
	return IdempotencyKey{Kind: KeyEvent, EventID: eventID}
}

// String возвращает каноническое представление ключа.
func (k IdempotencyKey) String() string {
	if k.Kind == KeyTask {
		return fmt.Sprintf("task:%d/%s", k.Day.Index(), k.TaskID)
	}
	return "event:" + k.EventID
}

// Patch - частичное обновление записи прогресса.
//
// XPDelta, GemsDelta и Counters - приращения. Остальные непустые поля
// заменяют соответствующие значения целиком; модули и достижения
// заменяются поштучно. Поля, не затронутые событием, не пишутся.
type Patch struct {
	XPDelta   int
	GemsDelta int
	Counters  Counters

	Hearts *HeartsState
	Streak *StreakState

	// TaskDay - смена дня: новый день, очищенный набор задач.
	TaskDay *timeutil.Day

	CompletedTask     *CompletedTask
	DailySetCompleted bool

	Modules      []ModuleProgress
	Achievements []AchievementState
	Current      *LessonPointer
}

// IsEmpty проверяет, что обновление ничего не меняет.
func (p Patch) IsEmpty() bool {
	return p.XPDelta == 0 && p.GemsDelta == 0 && p.Counters.IsZero() &&
		p.Hearts == nil && p.Streak == nil && p.TaskDay == nil &&
		p.CompletedTask == nil && !p.DailySetCompleted &&
		len(p.Modules) == 0 && len(p.Achievements) == 0 && p.Current == nil
}

// Commit - единица записи в хранилище.
type Commit struct {
	UserID shared.UserID
	Kind   EventKind
	Key    IdempotencyKey
	Patch  Patch
	At     time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// INFRASTRUCTURE CONTRACTS
// ══════════════════════════════════════════════════════════════════════════════

// BackendKind - тип хранилища прогресса.
type BackendKind int

const (
	// BackendLocal - память процесса и устройство; гостевой режим.
	BackendLocal BackendKind = iota

	// BackendDurable - удалённое хранилище аккаунта.
	BackendDurable
)

// String возвращает имя бэкенда.
func (k BackendKind) String() string {
	switch k {
	case BackendLocal:
		return "local"
	case BackendDurable:
		return "durable"
	}
	return "unknown"
}

// ProgressBackend - хранилище записей прогресса.
//
// Commit атомарно проверяет ключ идемпотентности и применяет Patch.
// applied == false означает, что ключ уже был записан и запись не менялась.
type ProgressBackend interface {
	Kind() BackendKind

	// Load возвращает shared.ErrRecordNotFound, если записи нет.
	Load(ctx context.Context, id shared.UserID) (*UserProgress, error)

	// Create сохраняет новую запись; существующая запись не перезаписывается.
	Create(ctx context.Context, p *UserProgress) error

	Commit(ctx context.Context, c Commit) (applied bool, err error)

	Close() error
}

// SnapshotCache кэширует записи прогресса для чтения.
type SnapshotCache interface {
	Get(ctx context.Context, id shared.UserID) (*UserProgress, error)
	Set(ctx context.Context, p *UserProgress) error
	Invalidate(ctx context.Context, id shared.UserID) error
}

// CheckpointStore хранит незавершённые уроки на устройстве.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, userID shared.UserID, lessonID string, data []byte) error
	LoadCheckpoint(ctx context.Context, userID shared.UserID, lessonID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, userID shared.UserID, lessonID string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Notifications
// ─────────────────────────────────────────────────────────────────────────────

// NotificationLevel - важность уведомления.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Notification - сообщение для пользователя.
type Notification struct {
	UserID    shared.UserID     `json:"user_id"`
	Kind      string            `json:"kind"`
	Level     NotificationLevel `json:"level"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]any    `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NotificationSink доставляет уведомления. Notify не блокирует вызывающего
// и не возвращает ошибку: сбой доставки не влияет на прогресс.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification)
}
