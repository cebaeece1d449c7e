package progression

import (
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

// AchievementID - идентификатор достижения из каталога.
type AchievementID string

// String возвращает строковое представление.
func (id AchievementID) String() string {
	return string(id)
}

// AchievementCategory - группа достижений.
type AchievementCategory string

const (
	CategoryLearning    AchievementCategory = "learning"
	CategoryConsistency AchievementCategory = "consistency"
	CategoryPerformance AchievementCategory = "performance"
	CategoryMastery     AchievementCategory = "mastery"
)

// Rarity - редкость достижения.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Stats - счётчики, по которым считается прогресс достижений.
type Stats struct {
	LessonsCompleted int
	ModulesCompleted int
	CurrentStreak    int
	PerfectLessons   int
	FastCompletions  int
	TasksCompleted   int

	// ModuleLessons - число засчитанных уроков по модулям.
	ModuleLessons map[string]int
}

// Metric извлекает значение прогресса из Stats.
type Metric func(Stats) int

// AchievementSpec - статическое описание достижения.
type AchievementSpec struct {
	ID          AchievementID
	Title       string
	Description string
	Category    AchievementCategory
	Rarity      Rarity
	Total       int
	RewardXP    int
	RewardGems  int
	RewardTitle string
	Metric      Metric
}

// AchievementCatalog - упорядоченный каталог достижений.
type AchievementCatalog struct {
	specs []AchievementSpec
	index map[AchievementID]int
}

// NewAchievementCatalog строит каталог и проверяет уникальность id.
func NewAchievementCatalog(specs []AchievementSpec) (AchievementCatalog, error) {
	c := AchievementCatalog{
		specs: make([]AchievementSpec, len(specs)),
		index: make(map[AchievementID]int, len(specs)),
	}
	copy(c.specs, specs)
	for i, s := range c.specs {
		if s.ID == "" || s.Metric == nil || s.Total <= 0 {
			return AchievementCatalog{}, shared.Validationf("progression", "NewAchievementCatalog", "achievement #%d is incomplete", i)
		}
		if _, dup := c.index[s.ID]; dup {
			return AchievementCatalog{}, shared.Validationf("progression", "NewAchievementCatalog", "duplicate achievement %s", s.ID)
		}
		c.index[s.ID] = i
	}
	return c, nil
}

func lessons(s Stats) int { return s.LessonsCompleted }
func modules(s Stats) int { return s.ModulesCompleted }
func streak(s Stats) int  { return s.CurrentStreak }
func perfect(s Stats) int { return s.PerfectLessons }
func fast(s Stats) int    { return s.FastCompletions }

func moduleLessons(moduleID string) Metric {
	return func(s Stats) int { return s.ModuleLessons[moduleID] }
}

// DefaultAchievementCatalog возвращает каталог достижений приложения.
func DefaultAchievementCatalog() AchievementCatalog {
	c, _ := NewAchievementCatalog([]AchievementSpec{
		{
			ID: "first-lesson", Title: "First Heartbeat", Description: "Complete your first lesson",
			Category: CategoryLearning, Rarity: RarityCommon, Total: 1, RewardXP: 50, Metric: lessons,
		},
		{
			ID: "fundamentals-master", Title: "Fundamentals Master", Description: "Finish 9 lessons of ECG Fundamentals",
			Category: CategoryLearning, Rarity: RarityRare, Total: 9, RewardXP: 200, RewardGems: 50,
			Metric: moduleLessons("module-1"),
		},
		{
			ID: "streak-3", Title: "Warming Up", Description: "Keep a 3-day streak",
			Category: CategoryConsistency, Rarity: RarityCommon, Total: 3, RewardXP: 75, RewardGems: 15, Metric: streak,
		},
		{
			ID: "week-streak", Title: "Week Warrior", Description: "Keep a 7-day streak",
			Category: CategoryConsistency, Rarity: RarityRare, Total: 7, RewardXP: 150, RewardGems: 50, Metric: streak,
		},
		{
			ID: "streak-14", Title: "Fortnight Focus", Description: "Keep a 14-day streak",
			Category: CategoryConsistency, Rarity: RarityRare, Total: 14, RewardXP: 300, RewardGems: 100, Metric: streak,
		},
		{
			ID: "streak-30", Title: "Monthly Master", Description: "Keep a 30-day streak",
			Category: CategoryConsistency, Rarity: RarityEpic, Total: 30, RewardXP: 750, RewardGems: 250, Metric: streak,
		},
		{
			ID: "streak-100", Title: "Streak Legend", Description: "Keep a 100-day streak",
			Category: CategoryConsistency, Rarity: RarityLegendary, Total: 100, RewardXP: 2000, RewardGems: 500,
			RewardTitle: "Streak Legend", Metric: streak,
		},
		{
			ID: "perfect-score", Title: "Flawless", Description: "Finish a lesson without mistakes",
			Category: CategoryPerformance, Rarity: RarityCommon, Total: 1, RewardXP: 75, RewardGems: 10, Metric: perfect,
		},
		{
			ID: "speed-demon", Title: "Speed Demon", Description: "Finish 5 lessons in under 3 minutes",
			Category: CategoryPerformance, Rarity: RarityRare, Total: 5, RewardXP: 150, RewardGems: 30, Metric: fast,
		},
		{
			ID: "knowledge-seeker", Title: "Knowledge Seeker", Description: "Complete 50 lessons",
			Category: CategoryLearning, Rarity: RarityEpic, Total: 50, RewardXP: 500, RewardGems: 100, Metric: lessons,
		},
		{
			ID: "ecg-master", Title: "ECG Master", Description: "Complete all 8 modules",
			Category: CategoryMastery, Rarity: RarityLegendary, Total: 8, RewardXP: 1000, RewardGems: 250,
			RewardTitle: "Wave Virtuoso", Metric: modules,
		},
	})
	return c
}

// Get возвращает описание достижения.
func (c AchievementCatalog) Get(id AchievementID) (AchievementSpec, bool) {
	i, ok := c.index[id]
	if !ok {
		return AchievementSpec{}, false
	}
	return c.specs[i], true
}

// Specs возвращает копию каталога.
func (c AchievementCatalog) Specs() []AchievementSpec {
	out := make([]AchievementSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// InitialStates строит нулевой прогресс по всему каталогу.
func (c AchievementCatalog) InitialStates() map[AchievementID]AchievementState {
	out := make(map[AchievementID]AchievementState, len(c.specs))
	for _, s := range c.specs {
		out[s.ID] = AchievementState{ID: s.ID, Total: s.Total}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// State
// ─────────────────────────────────────────────────────────────────────────────

// AchievementState - прогресс пользователя по достижению.
type AchievementState struct {
	ID         AchievementID `json:"id"`
	Progress   int           `json:"progress"`
	Total      int           `json:"total"`
	Completed  bool          `json:"completed"`
	Claimed    bool          `json:"claimed"`
	UnlockedAt *time.Time    `json:"unlocked_at,omitempty"`
	ClaimedAt  *time.Time    `json:"claimed_at,omitempty"`
}

// Clone возвращает глубокую копию.
func (a AchievementState) Clone() AchievementState {
	out := a
	if a.UnlockedAt != nil {
		t := *a.UnlockedAt
		out.UnlockedAt = &t
	}
	if a.ClaimedAt != nil {
		t := *a.ClaimedAt
		out.ClaimedAt = &t
	}
	return out
}

// Evaluate возвращает достижения, впервые пересёкшие порог между before и after.
//
// Достижение попадает в результат, если metric(before) < total <= metric(after)
// и оно ещё не отмечено завершённым в states. Повторный вызов с теми же
// Stats возвращает пустой список.
func (c AchievementCatalog) Evaluate(before, after Stats, states map[AchievementID]AchievementState) []AchievementID {
	var out []AchievementID
	for _, s := range c.specs {
		if st, ok := states[s.ID]; ok && st.Completed {
			continue
		}
		if s.Metric(before) < s.Total && s.Metric(after) >= s.Total {
			out = append(out, s.ID)
		}
	}
	return out
}

// Refresh пересчитывает прогресс всех достижений по stats и отмечает
// завершёнными newly. Возвращает изменившиеся записи.
//
// Хранимый прогресс не превышает Total.
func (c AchievementCatalog) Refresh(states map[AchievementID]AchievementState, stats Stats, newly []AchievementID, now time.Time) []AchievementState {
	mark := make(map[AchievementID]bool, len(newly))
	for _, id := range newly {
		mark[id] = true
	}

	var changed []AchievementState
	for _, s := range c.specs {
		prev, ok := states[s.ID]
		if !ok {
			prev = AchievementState{ID: s.ID, Total: s.Total}
		}
		next := prev.Clone()
		next.Total = s.Total

		p := s.Metric(stats)
		if p > s.Total {
			p = s.Total
		}
		if p < 0 {
			p = 0
		}
		// прогресс завершённого достижения не убывает
		if !next.Completed || p > next.Progress {
			next.Progress = p
		}

		if mark[s.ID] && !next.Completed {
			next.Completed = true
			next.Progress = s.Total
			t := now
			next.UnlockedAt = &t
		}

		if !ok || next.Progress != prev.Progress || next.Completed != prev.Completed || next.Total != prev.Total {
			states[s.ID] = next
			changed = append(changed, next)
		}
	}
	return changed
}

// Reconcile завершает достижения, чей прогресс уже достиг порога, но
// которые не были отмечены (например, после расширения каталога).
// Такие достижения не считаются новыми и не порождают уведомлений.
func (c AchievementCatalog) Reconcile(states map[AchievementID]AchievementState, stats Stats, now time.Time) []AchievementState {
	var ids []AchievementID
	for _, s := range c.specs {
		if st, ok := states[s.ID]; ok && st.Completed {
			continue
		}
		if s.Metric(stats) >= s.Total {
			ids = append(ids, s.ID)
		}
	}
	return c.Refresh(states, stats, ids, now)
}

// Claim забирает награду завершённого достижения.
//
// Повторный claim возвращает мягкую ошибку ErrAchievementClaimed,
// незавершённое достижение - ошибку валидации.
func Claim(st AchievementState, now time.Time) (AchievementState, error) {
	if st.Claimed {
		return st, shared.ErrAchievementClaimed
	}
	if !st.Completed {
		return st, shared.ErrAchievementLocked
	}
	next := st.Clone()
	next.Claimed = true
	t := now
	next.ClaimedAt = &t
	return next, nil
}
