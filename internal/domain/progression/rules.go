package progression

import (
	"time"

	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

const (
	// DefaultGuestStartingGems - стартовые гемы гостя.
	DefaultGuestStartingGems = 50

	// DefaultFastLessonThreshold - урок быстрее этого засчитывается в speed-demon.
	DefaultFastLessonThreshold = 3 * time.Minute
)

// Rules - настраиваемые таблицы движка. Значение неизменяемо после
// создания и безопасно для совместного использования сессиями.
type Rules struct {
	Ranks        RankTable
	Rewards      RewardTable
	Modules      ModuleCatalog
	Achievements AchievementCatalog
	Hearts       HeartsConfig

	TaskPool       []Task
	DailyTaskCount int

	GuestStartingGems   int
	DurableStartingGems int
	FastLessonThreshold time.Duration
}

// DefaultRules возвращает правила приложения.
func DefaultRules() *Rules {
	return &Rules{
		Ranks:               DefaultRankTable(),
		Rewards:             DefaultRewardTable(),
		Modules:             DefaultModuleCatalog(),
		Achievements:        DefaultAchievementCatalog(),
		Hearts:              DefaultHeartsConfig(),
		TaskPool:            DefaultTaskPool(),
		DailyTaskCount:      DefaultDailyTaskCount,
		GuestStartingGems:   DefaultGuestStartingGems,
		DurableStartingGems: 0,
		FastLessonThreshold: DefaultFastLessonThreshold,
	}
}

// DailyTasks возвращает набор задач на день.
func (r *Rules) DailyTasks(day timeutil.Day) []Task {
	return SelectDaily(r.TaskPool, day.Index(), r.DailyTaskCount)
}

// FindDailyTask ищет задачу в наборе дня.
func (r *Rules) FindDailyTask(day timeutil.Day, taskID string) (Task, bool) {
	for _, t := range r.DailyTasks(day) {
		if t.ID == taskID {
			return t, true
		}
	}
	return Task{}, false
}
