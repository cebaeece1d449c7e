// Package timeutil provides calendar-day arithmetic shared by the daily task
// seed and the streak tracker.
//
// A Day is the number of whole UTC days since the Unix epoch. The same value
// serves as the deterministic seed for daily selections, so every device that
// agrees on wall-clock time agrees on the day without coordination.
package timeutil

import (
	"encoding/json"
	"fmt"
	"time"
)

// MillisPerDay is the length of a day index step.
const MillisPerDay int64 = 86_400_000

// DateLayout is the wire format of a Day.
const DateLayout = "2006-01-02"

// Day is a calendar date expressed as a day index.
type Day int64

// DayIndex returns floor(unixMillis / MillisPerDay).
func DayIndex(t time.Time) int64 {
	ms := t.UnixMilli()
	d := ms / MillisPerDay
	if ms%MillisPerDay < 0 {
		d--
	}
	return d
}

// DayOf returns the calendar day containing t.
func DayOf(t time.Time) Day {
	return Day(DayIndex(t))
}

// Date builds a Day from a calendar date.
func Date(year int, month time.Month, day int) Day {
	return DayOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time {
	return time.UnixMilli(int64(d) * MillisPerDay).UTC()
}

// Index returns the raw day index.
func (d Day) Index() int64 {
	return int64(d)
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string {
	return d.Time().Format(DateLayout)
}

// AddDays returns the day n days later.
func (d Day) AddDays(n int) Day {
	return d + Day(n)
}

// MarshalJSON encodes the day as a date string.
func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a date string.
func (d *Day) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	return DayOf(t).Time()
}

// DaysBetween returns the number of calendar days from one day to another.
// It is negative when to precedes from.
func DaysBetween(from, to Day) int {
	return int(to - from)
}

// SameDay reports whether two instants fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return DayOf(a) == DayOf(b)
}
