// Package businesstime converts wall-clock intervals into business-hour
// intervals. A Calendar describes the working window; all functions are
// pure so callers can re-read configuration between calculations.
//
// Daylight-saving shifts are not handled: timestamps are assumed to
// carry a fixed offset from UTC.
package businesstime

import "time"

// Default working window: 09:00-19:00, Monday through Friday.
const (
	DefaultStartHour = 9
	DefaultEndHour   = 19
)

// Calendar defines the business-time window. Weekdays use ISO numbering,
// 1=Monday .. 7=Sunday.
type Calendar struct {
	StartHour int
	EndHour   int
	Days      map[int]bool
}

// DefaultCalendar returns the standard 9-19 Mon-Fri calendar.
func DefaultCalendar() Calendar {
	return Calendar{
		StartHour: DefaultStartHour,
		EndHour:   DefaultEndHour,
		Days:      map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true},
	}
}

// NewCalendar builds a calendar from raw config values, falling back to
// defaults when the values are out of range.
func NewCalendar(startHour, endHour int, days []int) Calendar {
	if startHour < 0 || startHour > 23 || endHour < 1 || endHour > 24 || endHour <= startHour {
		startHour = DefaultStartHour
		endHour = DefaultEndHour
	}
	daySet := make(map[int]bool, len(days))
	for _, d := range days {
		if d >= 1 && d <= 7 {
			daySet[d] = true
		}
	}
	if len(daySet) == 0 {
		daySet = map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true}
	}
	return Calendar{StartHour: startHour, EndHour: endHour, Days: daySet}
}

// HoursPerDay returns the length of one working day in hours.
func (c Calendar) HoursPerDay() int {
	return c.EndHour - c.StartHour
}

// isoWeekday maps Go's Sunday=0 weekday to ISO 1=Monday .. 7=Sunday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// IsBusinessDay reports whether t falls on a working weekday.
func (c Calendar) IsBusinessDay(t time.Time) bool {
	return c.Days[isoWeekday(t)]
}

// IsBusinessTime reports whether t is inside the working window: a
// working weekday with StartHour <= hour(t) < EndHour.
func (c Calendar) IsBusinessTime(t time.Time) bool {
	if !c.IsBusinessDay(t) {
		return false
	}
	h := t.Hour()
	return h >= c.StartHour && h < c.EndHour
}

// windowStart returns the opening instant of the working window on t's day.
func (c Calendar) windowStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.StartHour, 0, 0, 0, t.Location())
}

// windowEnd returns the closing instant of the working window on t's day.
func (c Calendar) windowEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.EndHour, 0, 0, 0, t.Location())
}

// NextBusinessStart returns the smallest t' >= t that lies inside a
// working window, at an integer-minute boundary. If t is already inside
// a window, t itself is returned.
func (c Calendar) NextBusinessStart(t time.Time) time.Time {
	if c.IsBusinessTime(t) {
		return t
	}

	if c.IsBusinessDay(t) && t.Before(c.windowStart(t)) {
		return c.windowStart(t)
	}

	// Past today's window or a non-working day: scan forward. The day
	// set is non-empty, so at most 7 iterations.
	day := t.AddDate(0, 0, 1)
	for !c.IsBusinessDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return c.windowStart(day)
}

// HoursBetween returns the business hours between a and b: the sum of
// minutes inside working windows, divided by 60. Half-minutes truncate
// downward. Returns 0 when a >= b.
func (c Calendar) HoursBetween(a, b time.Time) float64 {
	if !a.Before(b) {
		return 0
	}

	var minutes int64
	// Walk day by day over [date(a), date(b)].
	day := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, a.Location())
	for !day.After(b) {
		if c.IsBusinessDay(day) {
			lo := c.windowStart(day)
			hi := c.windowEnd(day)
			if a.After(lo) {
				lo = a
			}
			if b.Before(hi) {
				hi = b
			}
			if lo.Before(hi) {
				minutes += int64(hi.Sub(lo) / time.Minute)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return float64(minutes) / 60.0
}
