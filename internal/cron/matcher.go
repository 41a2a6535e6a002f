package cron

import "time"

func (s *Schedule) matches(t time.Time) bool {
	return contains(s.minutes, t.Minute()) &&
		contains(s.hours, t.Hour()) &&
		s.matchesDayConstraints(t) &&
		contains(s.months, int(t.Month()))
}

// matchesDayConstraints applies the usual cron rule: when both day-of-month
// and day-of-week are restricted a day matches if either does; otherwise
// only the restricted field (if any) is checked.
func (s *Schedule) matchesDayConstraints(t time.Time) bool {
	domRestricted := len(s.daysOfMonth) < 31
	dowRestricted := len(s.daysOfWeek) < 7

	switch {
	case domRestricted && dowRestricted:
		return contains(s.daysOfMonth, t.Day()) || contains(s.daysOfWeek, int(t.Weekday()))
	case domRestricted:
		return contains(s.daysOfMonth, t.Day())
	case dowRestricted:
		return contains(s.daysOfWeek, int(t.Weekday()))
	default:
		return true
	}
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
