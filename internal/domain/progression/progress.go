package progression

import (
	"time"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// USER PROGRESS AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// RecentEventsLimit - сколько последних EventID хранится для локальной
// дедупликации повторов.
const RecentEventsLimit = 64

// CompletedTask - задача, засчитанная в текущем дне.
type CompletedTask struct {
	TaskID      string    `json:"task_id"`
	Kind        TaskKind  `json:"kind"`
	XP          int       `json:"xp"`
	Gems        int       `json:"gems"`
	CompletedAt time.Time `json:"completed_at"`
}

// Counters - накопительные счётчики активности.
type Counters struct {
	TotalTasksCompleted int   `json:"total_tasks_completed"`
	VideosWatched       int   `json:"videos_watched"`
	QuizzesCompleted    int   `json:"quizzes_completed"`
	FlashcardsStudied   int   `json:"flashcards_studied"`
	LessonsCompleted    int   `json:"lessons_completed"`
	PerfectLessons      int   `json:"perfect_lessons"`
	FastCompletions     int   `json:"fast_completions"`
	LearningSeconds     int64 `json:"learning_seconds"`
}

// Add складывает счётчики.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		TotalTasksCompleted: c.TotalTasksCompleted + d.TotalTasksCompleted,
		VideosWatched:       c.VideosWatched + d.VideosWatched,
		QuizzesCompleted:    c.QuizzesCompleted + d.QuizzesCompleted,
		FlashcardsStudied:   c.FlashcardsStudied + d.FlashcardsStudied,
		LessonsCompleted:    c.LessonsCompleted + d.LessonsCompleted,
		PerfectLessons:      c.PerfectLessons + d.PerfectLessons,
		FastCompletions:     c.FastCompletions + d.FastCompletions,
		LearningSeconds:     c.LearningSeconds + d.LearningSeconds,
	}
}

// IsZero проверяет, что все счётчики нулевые.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// LessonPointer - урок, с которого пользователь продолжит обучение.
type LessonPointer struct {
	ModuleID string `json:"module_id"`
	LessonID string `json:"lesson_id"`
}

// UserProgress - корневой агрегат прогресса пользователя.
type UserProgress struct {
	UserID      shared.UserID
	DisplayName string
	Guest       bool

	XP   int
	Gems int

	Hearts HeartsState
	Streak StreakState

	// TaskDay - день, к которому относятся CompletedTasks.
	TaskDay           timeutil.Day
	CompletedTasks    map[string]CompletedTask
	DailySetCompleted bool

	Counters     Counters
	Modules      map[string]ModuleProgress
	Achievements map[AchievementID]AchievementState
	Current      LessonPointer

	// RecentEvents - последние применённые EventID, новые в конце.
	RecentEvents []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUserProgress создаёт стартовую запись. Гость получает стартовые гемы.
func NewUserProgress(id shared.UserID, displayName string, guest bool, now time.Time, rules *Rules) *UserProgress {
	gems := rules.DurableStartingGems
	if guest {
		gems = rules.GuestStartingGems
	}

	p := &UserProgress{
		UserID:         id,
		DisplayName:    displayName,
		Guest:          guest,
		Gems:           gems,
		Hearts:         HeartsState{Hearts: rules.Hearts.Max},
		TaskDay:        timeutil.DayOf(now),
		CompletedTasks: make(map[string]CompletedTask),
		Modules:        rules.Modules.InitialProgress(),
		Achievements:   rules.Achievements.InitialStates(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, s := range rules.Modules.Specs() {
		if s.InitiallyAvailable {
			p.Current = LessonPointer{ModuleID: s.ID, LessonID: "lesson-1"}
			break
		}
	}
	return p
}

// Clone возвращает глубокую копию агрегата.
func (p *UserProgress) Clone() *UserProgress {
	out := *p

	if p.Hearts.LastDepletion != nil {
		t := *p.Hearts.LastDepletion
		out.Hearts.LastDepletion = &t
	}
	if p.Streak.LastActivity != nil {
		d := *p.Streak.LastActivity
		out.Streak.LastActivity = &d
	}

	out.CompletedTasks = make(map[string]CompletedTask, len(p.CompletedTasks))
	for k, v := range p.CompletedTasks {
		out.CompletedTasks[k] = v
	}
	out.Modules = make(map[string]ModuleProgress, len(p.Modules))
	for k, v := range p.Modules {
		out.Modules[k] = v.Clone()
	}
	out.Achievements = make(map[AchievementID]AchievementState, len(p.Achievements))
	for k, v := range p.Achievements {
		out.Achievements[k] = v.Clone()
	}
	out.RecentEvents = append([]string(nil), p.RecentEvents...)
	return &out
}

// Stats собирает счётчики для достижений.
func (p *UserProgress) Stats() Stats {
	s := Stats{
		LessonsCompleted: p.Counters.LessonsCompleted,
		CurrentStreak:    p.Streak.Current,
		PerfectLessons:   p.Counters.PerfectLessons,
		FastCompletions:  p.Counters.FastCompletions,
		TasksCompleted:   p.Counters.TotalTasksCompleted,
		ModuleLessons:    make(map[string]int, len(p.Modules)),
	}
	for id, m := range p.Modules {
		s.ModuleLessons[id] = m.CompletedLessons
		if m.Status.IsFinished() {
			s.ModulesCompleted++
		}
	}
	return s
}

// HasEvent проверяет, применялось ли событие недавно.
func (p *UserProgress) HasEvent(eventID string) bool {
	for _, id := range p.RecentEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

func (p *UserProgress) rememberEvent(eventID string) {
	if eventID == "" {
		return
	}
	p.RecentEvents = append(p.RecentEvents, eventID)
	if over := len(p.RecentEvents) - RecentEventsLimit; over > 0 {
		p.RecentEvents = append([]string(nil), p.RecentEvents[over:]...)
	}
}

// Apply применяет частичное обновление так же, как его применяет
// хранилище: приращения складываются, остальные поля заменяются целиком.
func (p *UserProgress) Apply(patch Patch, at time.Time) {
	if patch.TaskDay != nil {
		p.TaskDay = *patch.TaskDay
		p.CompletedTasks = make(map[string]CompletedTask)
		p.DailySetCompleted = false
	}

	p.XP += patch.XPDelta
	p.Gems += patch.GemsDelta
	p.Counters = p.Counters.Add(patch.Counters)

	if patch.Hearts != nil {
		h := *patch.Hearts
		if h.LastDepletion != nil {
			t := *h.LastDepletion
			h.LastDepletion = &t
		}
		p.Hearts = h
	}
	if patch.Streak != nil {
		s := *patch.Streak
		if s.LastActivity != nil {
			d := *s.LastActivity
			s.LastActivity = &d
		}
		p.Streak = s
	}
	if patch.CompletedTask != nil {
		if p.CompletedTasks == nil {
			p.CompletedTasks = make(map[string]CompletedTask)
		}
		p.CompletedTasks[patch.CompletedTask.TaskID] = *patch.CompletedTask
	}
	if patch.DailySetCompleted {
		p.DailySetCompleted = true
	}

	if len(patch.Modules) > 0 && p.Modules == nil {
		p.Modules = make(map[string]ModuleProgress)
	}
	for _, m := range patch.Modules {
		p.Modules[m.ModuleID] = m.Clone()
	}
	if len(patch.Achievements) > 0 && p.Achievements == nil {
		p.Achievements = make(map[AchievementID]AchievementState)
	}
	for _, a := range patch.Achievements {
		p.Achievements[a.ID] = a.Clone()
	}
	if patch.Current != nil {
		p.Current = *patch.Current
	}

	if !patch.IsEmpty() {
		p.UpdatedAt = at
	}
}
