package cron

import (
	"time"
)

// maxSearch bounds how far Next looks ahead. Every valid schedule fires at
// least once in eight years (Feb 29 can be skipped across a century year).
const maxSearch = 8 * 366 * 24 * time.Hour

// Schedule is a parsed five-field cron expression
type Schedule struct {
	minutes     []int // 0-59
	hours       []int // 0-23
	daysOfMonth []int // 1-31
	months      []int // 1-12
	daysOfWeek  []int // 0-6 (0=Sunday)

	expr string
}

// Parse parses a standard five-field cron expression or one of the
// descriptors @hourly, @daily, @midnight, @weekly, @monthly, @yearly.
// Expressions that can never fire (e.g. "0 0 31 2 *") are rejected.
func Parse(expr string) (*Schedule, error) {
	return parse(expr)
}

// String returns the expression the schedule was parsed from
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the first activation strictly after the given time, in
// after's location. The zero time is returned if none exists within the
// search horizon.
func (s *Schedule) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(maxSearch)

	for !t.After(limit) {
		if !contains(s.months, int(t.Month())) {
			y, m, _ := t.Date()
			t = time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.matchesDayConstraints(t) {
			y, m, d := t.Date()
			t = time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !contains(s.hours, t.Hour()) {
			y, m, d := t.Date()
			t = time.Date(y, m, d, t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !contains(s.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// NextN returns the next count activations after the given time
func (s *Schedule) NextN(after time.Time, count int) []time.Time {
	results := make([]time.Time, 0, count)
	for len(results) < count {
		next := s.Next(after)
		if next.IsZero() {
			break
		}
		results = append(results, next)
		after = next
	}
	return results
}

// Between returns every activation in [start, end) in chronological order
func (s *Schedule) Between(start, end time.Time) []time.Time {
	results := []time.Time{}

	current := start.Truncate(time.Minute)
	if current.Before(start) {
		current = current.Add(time.Minute)
	}
	if current.Before(end) && s.matches(current) {
		results = append(results, current)
	}

	for {
		current = s.Next(current)
		if current.IsZero() || !current.Before(end) {
			return results
		}
		results = append(results, current)
	}
}
