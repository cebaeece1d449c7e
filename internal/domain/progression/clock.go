package progression

import (
	"sync"
	"time"

	"github.com/pulsepoint/pulsepoint-progress/pkg/timeutil"
)

// Clock - источник текущего времени для движка.
type Clock interface {
	Now() time.Time
}

// SystemClock возвращает настенное время.
type SystemClock struct{}

// Now реализует Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock - управляемые часы для тестов и воспроизведения событий.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock создаёт часы, остановленные на t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now реализует Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance сдвигает часы вперёд.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set устанавливает время.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// DaySeed возвращает детерминированный индекс дня для ежедневного выбора задач.
// Любое устройство с корректными часами получает то же значение без
// координации с сервером.
func DaySeed(t time.Time) int64 {
	return timeutil.DayIndex(t)
}
