package progression

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// MODULE STATE MACHINE
// ══════════════════════════════════════════════════════════════════════════════

// ModuleStatus - статус модуля курса.
//
// Переходы только вперёд:
//
//	locked -> available -> in-progress -> completed -> mastered
type ModuleStatus string

const (
	ModuleLocked     ModuleStatus = "locked"
	ModuleAvailable  ModuleStatus = "available"
	ModuleInProgress ModuleStatus = "in-progress"
	ModuleCompleted  ModuleStatus = "completed"
	ModuleMastered   ModuleStatus = "mastered"
)

// order возвращает позицию статуса в порядке переходов.
func (s ModuleStatus) order() int {
	switch s {
	case ModuleLocked:
		return 0
	case ModuleAvailable:
		return 1
	case ModuleInProgress:
		return 2
	case ModuleCompleted:
		return 3
	case ModuleMastered:
		return 4
	}
	return -1
}

// IsValid проверяет, что статус известен.
func (s ModuleStatus) IsValid() bool {
	return s.order() >= 0
}

// IsFinished - модуль пройден (completed или mastered).
func (s ModuleStatus) IsFinished() bool {
	return s == ModuleCompleted || s == ModuleMastered
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────────────────────────────────────

const (
	// MasteryMax - максимальное значение мастерства.
	MasteryMax = 100

	// MasteredMinAverage - минимальный средний балл для статуса mastered.
	MasteredMinAverage = 90

	masteryPerfectGain = 5
	masteryGain        = 3
)

// ModuleSpec - статическое описание модуля.
type ModuleSpec struct {
	ID           string `json:"id" mapstructure:"id"`
	Title        string `json:"title" mapstructure:"title"`
	TotalLessons int    `json:"total_lessons" mapstructure:"total_lessons"`

	// UnlockNext - модуль, открываемый после UnlockAfter завершённых уроков.
	UnlockNext  string `json:"unlock_next,omitempty" mapstructure:"unlock_next"`
	UnlockAfter int    `json:"unlock_after,omitempty" mapstructure:"unlock_after"`

	// InitiallyAvailable - модуль открыт с самого начала.
	InitiallyAvailable bool `json:"initially_available,omitempty" mapstructure:"initially_available"`
}

// ModuleCatalog - упорядоченный список модулей.
type ModuleCatalog struct {
	specs []ModuleSpec
	index map[string]int
}

// NewModuleCatalog проверяет уникальность id и ссылки UnlockNext.
func NewModuleCatalog(specs []ModuleSpec) (ModuleCatalog, error) {
	c := ModuleCatalog{
		specs: make([]ModuleSpec, len(specs)),
		index: make(map[string]int, len(specs)),
	}
	copy(c.specs, specs)

	for i, s := range c.specs {
		if s.ID == "" {
			return ModuleCatalog{}, shared.Validationf("progression", "NewModuleCatalog", "module #%d has no id", i)
		}
		if s.TotalLessons <= 0 {
			return ModuleCatalog{}, shared.Validationf("progression", "NewModuleCatalog", "module %s has no lessons", s.ID)
		}
		if _, dup := c.index[s.ID]; dup {
			return ModuleCatalog{}, shared.Validationf("progression", "NewModuleCatalog", "duplicate module %s", s.ID)
		}
		c.index[s.ID] = i
	}
	for _, s := range c.specs {
		if s.UnlockNext == "" {
			continue
		}
		if _, ok := c.index[s.UnlockNext]; !ok {
			return ModuleCatalog{}, shared.Validationf("progression", "NewModuleCatalog", "module %s unlocks unknown %s", s.ID, s.UnlockNext)
		}
	}
	return c, nil
}

// DefaultModuleCatalog возвращает каталог курса.
func DefaultModuleCatalog() ModuleCatalog {
	titles := []string{
		"ECG Fundamentals",
		"Rhythm Analysis",
		"Conduction Blocks",
		"Axis and Hypertrophy",
		"Ischemia and Infarction",
		"Tachyarrhythmias",
		"Electrolytes and Drugs",
		"Advanced Interpretation",
	}

	specs := make([]ModuleSpec, len(titles))
	for i, title := range titles {
		spec := ModuleSpec{
			ID:           fmt.Sprintf("module-%d", i+1),
			Title:        title,
			TotalLessons: 8,
			UnlockAfter:  5,
		}
		if i == 0 {
			spec.TotalLessons = 10
			spec.InitiallyAvailable = true
		}
		if i+1 < len(titles) {
			spec.UnlockNext = fmt.Sprintf("module-%d", i+2)
		}
		specs[i] = spec
	}

	c, _ := NewModuleCatalog(specs)
	return c
}

// Get возвращает описание модуля.
func (c ModuleCatalog) Get(id string) (ModuleSpec, bool) {
	i, ok := c.index[id]
	if !ok {
		return ModuleSpec{}, false
	}
	return c.specs[i], true
}

// Specs возвращает копию каталога.
func (c ModuleCatalog) Specs() []ModuleSpec {
	out := make([]ModuleSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Len возвращает число модулей.
func (c ModuleCatalog) Len() int {
	return len(c.specs)
}

// InitialProgress строит стартовые записи для всех модулей каталога.
func (c ModuleCatalog) InitialProgress() map[string]ModuleProgress {
	out := make(map[string]ModuleProgress, len(c.specs))
	for _, s := range c.specs {
		out[s.ID] = NewModuleProgress(s)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Progress
// ─────────────────────────────────────────────────────────────────────────────

// ModuleProgress - прогресс пользователя по модулю.
type ModuleProgress struct {
	ModuleID           string       `json:"module_id"`
	Status             ModuleStatus `json:"status"`
	CompletedLessons   int          `json:"completed_lessons"`
	TotalLessons       int          `json:"total_lessons"`
	AverageScore       int          `json:"average_score"`
	Mastery            int          `json:"mastery"`
	LessonStreak       int          `json:"lesson_streak"`
	TimeSpentSeconds   int64        `json:"time_spent_seconds"`
	CompletedLessonIDs []string     `json:"completed_lesson_ids,omitempty"`
	LastAccessed       *time.Time   `json:"last_accessed,omitempty"`
}

// NewModuleProgress создаёт начальную запись для модуля.
func NewModuleProgress(spec ModuleSpec) ModuleProgress {
	status := ModuleLocked
	if spec.InitiallyAvailable {
		status = ModuleAvailable
	}
	return ModuleProgress{
		ModuleID:     spec.ID,
		Status:       status,
		TotalLessons: spec.TotalLessons,
	}
}

// Clone возвращает глубокую копию.
func (m ModuleProgress) Clone() ModuleProgress {
	out := m
	if m.CompletedLessonIDs != nil {
		out.CompletedLessonIDs = append([]string(nil), m.CompletedLessonIDs...)
	}
	if m.LastAccessed != nil {
		t := *m.LastAccessed
		out.LastAccessed = &t
	}
	return out
}

// HasLesson проверяет, засчитан ли урок.
func (m ModuleProgress) HasLesson(lessonID string) bool {
	for _, id := range m.CompletedLessonIDs {
		if id == lessonID {
			return true
		}
	}
	return false
}

// LessonResult - входные данные для записи урока.
type LessonResult struct {
	LessonID  string
	Score     int
	TimeSpent time.Duration
	Perfect   bool
	At        time.Time
}

// LessonOutcome - что изменилось в модуле.
type LessonOutcome struct {
	// Practice - урок уже был засчитан; меняются только мастерство и время.
	Practice bool

	// UnlockTriggered - число уроков впервые достигло порога открытия.
	UnlockTriggered bool

	// NewlyCompleted - модуль перешёл в completed в этом уроке.
	NewlyCompleted bool

	// NewlyMastered - модуль перешёл в mastered в этом уроке.
	NewlyMastered bool
}

// RecordLesson применяет результат урока к модулю.
//
// Заблокированный модуль отклоняется. Повтор уже засчитанного урока не
// меняет счётчик и средний балл.
func (m ModuleProgress) RecordLesson(spec ModuleSpec, r LessonResult) (ModuleProgress, LessonOutcome, error) {
	if m.Status == ModuleLocked {
		return m, LessonOutcome{}, ErrModuleLockedFor(spec.ID)
	}
	if r.Score < 0 || r.Score > 100 {
		return m, LessonOutcome{}, shared.ErrScoreOutOfRange
	}

	next := m.Clone()
	var out LessonOutcome

	if next.TotalLessons == 0 {
		next.TotalLessons = spec.TotalLessons
	}

	wasFinished := next.Status.IsFinished()
	wasMastered := next.Status == ModuleMastered

	out.Practice = r.LessonID != "" && next.HasLesson(r.LessonID)
	if !out.Practice {
		before := next.CompletedLessons
		after := before + 1
		next.AverageScore = int(math.Round(float64(next.AverageScore*before+r.Score) / float64(after)))
		next.CompletedLessons = after
		if r.LessonID != "" {
			next.CompletedLessonIDs = append(next.CompletedLessonIDs, r.LessonID)
		}
		if spec.UnlockAfter > 0 && before < spec.UnlockAfter && after >= spec.UnlockAfter {
			out.UnlockTriggered = true
		}
	}

	if r.Perfect {
		next.Mastery += masteryPerfectGain
		next.LessonStreak++
	} else {
		next.Mastery += masteryGain
		next.LessonStreak = 0
	}
	if next.Mastery > MasteryMax {
		next.Mastery = MasteryMax
	}

	if r.TimeSpent > 0 {
		next.TimeSpentSeconds += int64(r.TimeSpent / time.Second)
	}
	if !r.At.IsZero() {
		at := r.At
		next.LastAccessed = &at
	}

	next.Status = next.derivedStatus()
	out.NewlyCompleted = !wasFinished && next.Status.IsFinished()
	out.NewlyMastered = !wasMastered && next.Status == ModuleMastered

	return next, out, nil
}

// derivedStatus вычисляет статус по счётчикам, не откатываясь назад.
func (m ModuleProgress) derivedStatus() ModuleStatus {
	status := ModuleInProgress
	if m.CompletedLessons >= m.TotalLessons {
		status = ModuleCompleted
		if m.Mastery >= MasteryMax && m.AverageScore >= MasteredMinAverage {
			status = ModuleMastered
		}
	}
	if status.order() < m.Status.order() {
		return m.Status
	}
	return status
}

// Unlock переводит заблокированный модуль в available.
// Для остальных статусов возвращает false.
func (m ModuleProgress) Unlock() (ModuleProgress, bool) {
	if m.Status != ModuleLocked {
		return m, false
	}
	next := m.Clone()
	next.Status = ModuleAvailable
	return next, true
}

// ErrModuleLockedFor уточняет ошибку заблокированного модуля.
func ErrModuleLockedFor(moduleID string) error {
	return shared.WrapError("progression", "CompleteLesson", shared.ErrValidation,
		"module "+moduleID+" is locked", shared.ErrModuleLocked)
}

// NextLessonID возвращает следующий урок для указателя "продолжить".
// Поддерживаются id вида "<prefix>-<n>"; за последним уроком указатель
// остаётся на месте.
func NextLessonID(lessonID string, total int) string {
	i := strings.LastIndex(lessonID, "-")
	if i < 0 {
		return lessonID
	}
	n, err := strconv.Atoi(lessonID[i+1:])
	if err != nil || n >= total {
		return lessonID
	}
	return lessonID[:i+1] + strconv.Itoa(n+1)
}
