package query

import (
	"context"
	"strings"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/application/session"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROGRESS QUERY
// Читает сохранённый прогресс пользователя мимо живой сессии: для коллег по
// интерфейсу, воркера и отладки. Гости читаются из локального хранилища,
// остальные из основного.
// ══════════════════════════════════════════════════════════════════════════════

// GetProgressQuery содержит параметры запроса прогресса.
type GetProgressQuery struct {
	// UserID - id пользователя или гостя.
	UserID string

	// IncludeLocked - включать закрытые модули и не начатые достижения.
	IncludeLocked bool
}

// Validate проверяет корректность параметров.
func (q *GetProgressQuery) Validate() error {
	q.UserID = strings.TrimSpace(q.UserID)
	if q.UserID == "" {
		return shared.Validationf("query", "GetProgress", "user_id must be provided")
	}
	return nil
}

// ProgressResult - результат запроса.
type ProgressResult struct {
	Snapshot  progression.Snapshot        `json:"snapshot"`
	Backend   string                      `json:"backend"`
	Stats     progression.Stats           `json:"stats"`
	Claimable []progression.AchievementID `json:"claimable,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// GetProgressHandler обрабатывает запросы прогресса.
type GetProgressHandler struct {
	durable *session.Store
	local   *session.Store
	rules   *progression.Rules
	clock   progression.Clock
}

// NewGetProgressHandler создаёт новый обработчик. Любое из хранилищ может
// быть nil.
func NewGetProgressHandler(durable, local *session.Store, rules *progression.Rules, clock progression.Clock) *GetProgressHandler {
	if rules == nil {
		rules = progression.DefaultRules()
	}
	if clock == nil {
		clock = progression.SystemClock{}
	}
	return &GetProgressHandler{durable: durable, local: local, rules: rules, clock: clock}
}

// Handle выполняет запрос.
func (h *GetProgressHandler) Handle(ctx context.Context, q GetProgressQuery) (*ProgressResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	id := shared.UserID(q.UserID)
	store := h.durable
	if id.IsGuest() {
		store = h.local
	}
	if store == nil {
		return nil, shared.NewDomainError("query", "GetProgress", shared.ErrNotFound, "no store for this user")
	}

	p, err := store.Load(ctx, id)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.WrapError("query", "GetProgress", shared.ErrNotFound, "progress not found", err)
		}
		return nil, err
	}

	now := h.clock.Now()
	snap := progression.BuildSnapshot(p, h.rules, now)
	if !q.IncludeLocked {
		snap.Modules = visibleModules(snap.Modules)
		snap.Achievements = visibleAchievements(snap.Achievements)
	}

	result := &ProgressResult{
		Snapshot:    snap,
		Backend:     store.Kind().String(),
		Stats:       p.Stats(),
		GeneratedAt: now,
	}
	for _, a := range snap.Achievements {
		if a.Completed && !a.Claimed {
			result.Claimable = append(result.Claimable, a.ID)
		}
	}
	return result, nil
}

func visibleModules(in []progression.ModuleView) []progression.ModuleView {
	out := make([]progression.ModuleView, 0, len(in))
	for _, m := range in {
		if m.Status != progression.ModuleLocked {
			out = append(out, m)
		}
	}
	return out
}

func visibleAchievements(in []progression.AchievementView) []progression.AchievementView {
	out := make([]progression.AchievementView, 0, len(in))
	for _, a := range in {
		if a.Progress > 0 || a.Completed {
			out = append(out, a)
		}
	}
	return out
}
