package progression

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// REWARD CALCULATOR
// ══════════════════════════════════════════════════════════════════════════════

// ScoreBand - нижняя граница балла и награда для неё.
type ScoreBand struct {
	MinScore int `mapstructure:"min_score"`
	Amount   int `mapstructure:"amount"`
}

// RewardTable - настраиваемые параметры наград.
type RewardTable struct {
	// XPBands и GemBands упорядочены по убыванию MinScore.
	XPBands  []ScoreBand `mapstructure:"xp_bands"`
	GemBands []ScoreBand `mapstructure:"gem_bands"`

	PerfectMinScore int `mapstructure:"perfect_min_score"`
	PerfectBonusXP  int `mapstructure:"perfect_bonus_xp"`
	FailingScore    int `mapstructure:"failing_score"`

	// SpeedBonus начисляется, если на вопрос ушло меньше SpeedPerQuestion.
	SpeedPerQuestion time.Duration `mapstructure:"speed_per_question"`
	SpeedBonusXP     int           `mapstructure:"speed_bonus_xp"`

	AnswerStreakMin     int `mapstructure:"answer_streak_min"`
	AnswerStreakBonusXP int `mapstructure:"answer_streak_bonus_xp"`

	// Награды ежедневных задач.
	VideoDefaultGems int `mapstructure:"video_default_gems"`
	DailySetBonusXP  int `mapstructure:"daily_set_bonus_xp"`
}

// DefaultRewardTable возвращает таблицу наград приложения.
func DefaultRewardTable() RewardTable {
	return RewardTable{
		XPBands: []ScoreBand{
			{MinScore: 95, Amount: 75},
			{MinScore: 80, Amount: 50},
			{MinScore: 70, Amount: 30},
			{MinScore: 0, Amount: 20},
		},
		GemBands: []ScoreBand{
			{MinScore: 95, Amount: 5},
			{MinScore: 80, Amount: 3},
			{MinScore: 70, Amount: 2},
			{MinScore: 60, Amount: 1},
			{MinScore: 0, Amount: 0},
		},
		PerfectMinScore:     95,
		PerfectBonusXP:      25,
		FailingScore:        60,
		SpeedPerQuestion:    5 * time.Second,
		SpeedBonusXP:        10,
		AnswerStreakMin:     5,
		AnswerStreakBonusXP: 15,
		VideoDefaultGems:    1,
		DailySetBonusXP:     50,
	}
}

// RewardInput - результат урока или квиза.
type RewardInput struct {
	Score        int
	Mistakes     int
	Elapsed      time.Duration
	Questions    int
	AnswerStreak int
}

// Reward - начисление за урок. SpeedBonus и StreakBonus уже входят в XP.
type Reward struct {
	XP          int  `json:"xp"`
	Gems        int  `json:"gems"`
	HeartsDelta int  `json:"hearts_delta"`
	Perfect     bool `json:"perfect"`
	SpeedBonus  int  `json:"speed_bonus"`
	StreakBonus int  `json:"streak_bonus"`
}

func bandAmount(bands []ScoreBand, score int) int {
	for _, b := range bands {
		if score >= b.MinScore {
			return b.Amount
		}
	}
	return 0
}

// Compute - чистая функция награды за урок.
//
// Балл приводится к [0, 100]. Идеальный результат - ноль ошибок и балл не
// ниже PerfectMinScore: бонус XP и +1 сердце. Балл ниже FailingScore
// стоит одного сердца.
func (t RewardTable) Compute(in RewardInput) Reward {
	score := in.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	r := Reward{
		XP:      bandAmount(t.XPBands, score),
		Gems:    bandAmount(t.GemBands, score),
		Perfect: in.Mistakes == 0 && score >= t.PerfectMinScore,
	}

	if r.Perfect {
		r.XP += t.PerfectBonusXP
	}
	if in.Questions > 0 && in.Elapsed >= 0 && in.Elapsed < time.Duration(in.Questions)*t.SpeedPerQuestion {
		r.SpeedBonus = t.SpeedBonusXP
	}
	if t.AnswerStreakMin > 0 && in.AnswerStreak >= t.AnswerStreakMin {
		r.StreakBonus = t.AnswerStreakBonusXP
	}
	r.XP += r.SpeedBonus + r.StreakBonus

	switch {
	case r.Perfect:
		r.HeartsDelta = 1
	case score < t.FailingScore:
		r.HeartsDelta = -1
	}

	return r
}

// TaskReward - награда за ежедневную задачу.
//
// Видео всегда засчитывается полностью. Для остальных задач неверный
// ответ даёт половину очков и ни одного гема.
func (t RewardTable) TaskReward(task Task, correct bool) (xp, gems int) {
	if task.Kind == TaskVideo {
		gems = task.Gems
		if gems <= 0 {
			gems = t.VideoDefaultGems
		}
		return task.Points, gems
	}
	if correct {
		return task.Points, 1
	}
	return task.Points / 2, 0
}
