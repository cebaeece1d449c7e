package progression

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEARTS REGENERATION
// ══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultMaxHearts - максимальное число сердец.
	DefaultMaxHearts = 5

	// DefaultHeartInterval - время восстановления одного сердца.
	DefaultHeartInterval = 30 * time.Minute
)

// HeartsConfig - параметры восстановления сердец.
type HeartsConfig struct {
	Max      int           `mapstructure:"max"`
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultHeartsConfig возвращает параметры по умолчанию.
func DefaultHeartsConfig() HeartsConfig {
	return HeartsConfig{Max: DefaultMaxHearts, Interval: DefaultHeartInterval}
}

// HeartsState - текущее число сердец и часы восстановления.
//
// Инвариант: LastDepletion == nil тогда и только тогда, когда Hearts == Max.
type HeartsState struct {
	Hearts        int        `json:"hearts"`
	LastDepletion *time.Time `json:"last_heart_depletion,omitempty"`
}

// Full проверяет, полный ли запас.
func (h HeartsState) Full(cfg HeartsConfig) bool {
	return h.Hearts >= cfg.Max
}

// Regenerate начисляет сердца за каждый полный интервал с LastDepletion.
//
// Остаток интервала переносится: часы сдвигаются ровно на
// восстановленные интервалы. При достижении максимума часы сбрасываются.
// Если часы впереди now, ничего не меняется.
func Regenerate(h HeartsState, now time.Time, cfg HeartsConfig) (HeartsState, bool) {
	if h.Hearts >= cfg.Max {
		if h.Hearts > cfg.Max || h.LastDepletion != nil {
			return HeartsState{Hearts: cfg.Max}, true
		}
		return h, false
	}
	if h.LastDepletion == nil || cfg.Interval <= 0 {
		return h, false
	}

	elapsed := now.Sub(*h.LastDepletion)
	if elapsed < cfg.Interval {
		return h, false
	}

	restored := int(elapsed / cfg.Interval)
	if h.Hearts+restored >= cfg.Max {
		return HeartsState{Hearts: cfg.Max}, true
	}

	last := h.LastDepletion.Add(time.Duration(restored) * cfg.Interval)
	return HeartsState{Hearts: h.Hearts + restored, LastDepletion: &last}, true
}

// LoseHeart снимает одно сердце.
//
// Часы запускаются, только если запас был полным (или часы не шли):
// уже идущий отсчёт не сбрасывается. При нуле сердец состояние не
// меняется, а exhausted = true.
func LoseHeart(h HeartsState, now time.Time, cfg HeartsConfig) (next HeartsState, exhausted bool) {
	if h.Hearts <= 0 {
		return h, true
	}

	next = HeartsState{Hearts: h.Hearts - 1, LastDepletion: h.LastDepletion}
	if h.Hearts >= cfg.Max || h.LastDepletion == nil {
		t := now
		next.LastDepletion = &t
	}
	return next, false
}

// GainHeart добавляет одно сердце, не превышая максимума.
func GainHeart(h HeartsState, cfg HeartsConfig) HeartsState {
	if h.Hearts+1 >= cfg.Max {
		return HeartsState{Hearts: cfg.Max}
	}
	return HeartsState{Hearts: h.Hearts + 1, LastDepletion: h.LastDepletion}
}

// NextHeartAt возвращает момент восстановления следующего сердца
// или nil, если запас полон.
func NextHeartAt(h HeartsState, cfg HeartsConfig) *time.Time {
	if h.Hearts >= cfg.Max || h.LastDepletion == nil {
		return nil
	}
	t := h.LastDepletion.Add(cfg.Interval)
	return &t
}
