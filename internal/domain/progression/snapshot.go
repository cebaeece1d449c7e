package progression

import (
	"time"

	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// DailyTaskView - задача дня с отметкой о выполнении.
type DailyTaskView struct {
	Task
	Completed bool `json:"completed"`
}

// AchievementView - достижение с описанием из каталога.
type AchievementView struct {
	AchievementState
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Category    AchievementCategory `json:"category"`
	Rarity      Rarity              `json:"rarity"`
	RewardXP    int                 `json:"reward_xp"`
	RewardGems  int                 `json:"reward_gems"`
	RewardTitle string              `json:"reward_title,omitempty"`
}

// ModuleView - прогресс модуля с названием.
type ModuleView struct {
	ModuleProgress
	Title string `json:"title"`
}

// Snapshot - неизменяемое представление прогресса для UI.
type Snapshot struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Guest       bool   `json:"guest"`

	XP           int          `json:"xp"`
	Gems         int          `json:"gems"`
	Rank         Rank         `json:"rank"`
	RankProgress RankProgress `json:"rank_progress"`

	Hearts      int        `json:"hearts"`
	MaxHearts   int        `json:"max_hearts"`
	NextHeartAt *time.Time `json:"next_heart_at,omitempty"`

	CurrentStreak    int           `json:"current_streak"`
	LongestStreak    int           `json:"longest_streak"`
	LastActivityDate *timeutil.Day `json:"last_activity_date,omitempty"`

	Day               timeutil.Day    `json:"day"`
	DailyTasks        []DailyTaskView `json:"daily_tasks"`
	DailySetCompleted bool            `json:"daily_set_completed"`

	Counters     Counters          `json:"counters"`
	Modules      []ModuleView      `json:"modules"`
	Achievements []AchievementView `json:"achievements"`
	Current      LessonPointer     `json:"current"`

	UpdatedAt time.Time `json:"updated_at"`
}

// BuildSnapshot строит представление состояния на момент now.
//
// Сердца и день показываются с учётом прошедшего времени, даже если
// ни одно событие ещё не применило восстановление.
func BuildSnapshot(p *UserProgress, rules *Rules, now time.Time) Snapshot {
	hearts, _ := Regenerate(p.Hearts, now, rules.Hearts)

	day := p.TaskDay
	completed := p.CompletedTasks
	setDone := p.DailySetCompleted
	if today := timeutil.DayOf(now); today > day {
		day = today
		completed = nil
		setDone = false
	}

	s := Snapshot{
		UserID:            p.UserID.String(),
		DisplayName:       p.DisplayName,
		Guest:             p.Guest,
		XP:                p.XP,
		Gems:              p.Gems,
		Rank:              rules.Ranks.RankFor(p.XP),
		RankProgress:      rules.Ranks.Progress(p.XP),
		Hearts:            hearts.Hearts,
		MaxHearts:         rules.Hearts.Max,
		NextHeartAt:       NextHeartAt(hearts, rules.Hearts),
		CurrentStreak:     p.Streak.Current,
		LongestStreak:     p.Streak.Longest,
		Day:               day,
		DailySetCompleted: setDone,
		Counters:          p.Counters,
		Current:           p.Current,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.Streak.LastActivity != nil {
		d := *p.Streak.LastActivity
		s.LastActivityDate = &d
	}

	tasks := rules.DailyTasks(day)
	s.DailyTasks = make([]DailyTaskView, 0, len(tasks))
	for _, t := range tasks {
		_, done := completed[t.ID]
		s.DailyTasks = append(s.DailyTasks, DailyTaskView{Task: t, Completed: done})
	}

	specs := rules.Modules.Specs()
	s.Modules = make([]ModuleView, 0, len(specs))
	for _, spec := range specs {
		mp, ok := p.Modules[spec.ID]
		if !ok {
			mp = NewModuleProgress(spec)
		}
		s.Modules = append(s.Modules, ModuleView{ModuleProgress: mp.Clone(), Title: spec.Title})
	}

	achSpecs := rules.Achievements.Specs()
	s.Achievements = make([]AchievementView, 0, len(achSpecs))
	for _, spec := range achSpecs {
		st, ok := p.Achievements[spec.ID]
		if !ok {
			st = AchievementState{ID: spec.ID, Total: spec.Total}
		}
		s.Achievements = append(s.Achievements, AchievementView{
			AchievementState: st.Clone(),
			Title:            spec.Title,
			Description:      spec.Description,
			Category:         spec.Category,
			Rarity:           spec.Rarity,
			RewardXP:         spec.RewardXP,
			RewardGems:       spec.RewardGems,
			RewardTitle:      spec.RewardTitle,
		})
	}

	return s
}
