package progression

import (
	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STREAK TRACKER
// ══════════════════════════════════════════════════════════════════════════════

// StreakState - состояние серии дней.
type StreakState struct {
	Current      int           `json:"current"`
	Longest      int           `json:"longest"`
	LastActivity *timeutil.Day `json:"last_activity,omitempty"`
}

// StreakResult - итог продвижения серии.
type StreakResult struct {
	State StreakState

	// Changed - false, если активность в тот же день (или часы ушли назад).
	Changed bool

	// Broken - серия прервалась пропуском хотя бы одного дня.
	Broken bool

	// Previous - значение серии до продвижения.
	Previous int
}

// AdvanceStreak продвигает серию при активности в день today.
//
// Правила по числу календарных дней с последней активности:
//   - активности не было: серия = 1
//   - 0 дней: без изменений
//   - 1 день: серия + 1
//   - больше 1: Broken, если серия была > 0; серия = 1
//
// Отрицательная разница (расхождение часов) не меняет состояние.
// Longest всегда равен максимуму из Longest и Current.
func AdvanceStreak(s StreakState, today timeutil.Day) StreakResult {
	res := StreakResult{State: s, Previous: s.Current}

	if s.LastActivity == nil {
		res.State.Current = 1
		res.Changed = true
	} else {
		gap := timeutil.DaysBetween(*s.LastActivity, today)
		switch {
		case gap <= 0:
			return res
		case gap == 1:
			res.State.Current = s.Current + 1
		default:
			res.Broken = s.Current > 0
			res.State.Current = 1
		}
		res.Changed = true
	}

	day := today
	res.State.LastActivity = &day
	if res.State.Current > res.State.Longest {
		res.State.Longest = res.State.Current
	}
	return res
}

// IsStreakMilestone - вехи серии: 3, 5 и каждые 7 дней.
func IsStreakMilestone(streak int) bool {
	if streak <= 0 {
		return false
	}
	return streak == 3 || streak == 5 || streak%7 == 0
}

// ShouldNotifyBroken сообщает, стоит ли уведомлять о прерванной серии:
// потеря однодневной серии не заслуживает уведомления.
func ShouldNotifyBroken(r StreakResult) bool {
	return r.Broken && r.Previous > 1
}
