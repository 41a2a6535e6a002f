package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

func parse(expr string) (*Schedule, error) {
	source := strings.TrimSpace(expr)
	if d, ok := descriptors[strings.ToLower(source)]; ok {
		source = d
	}

	fields := strings.Fields(source)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	var values [5][]int
	for i, f := range fields {
		b := fieldBounds[i]
		v, err := parseField(f, b.min, b.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field %q: %w", b.name, f, err)
		}
		values[i] = v
	}

	// Sunday may be written as 7
	if n := len(values[4]); values[4][n-1] == 7 {
		values[4] = append([]int{0}, values[4][:n-1]...)
		values[4] = dedupe(values[4])
	}

	if err := checkReachable(values[2], values[3]); err != nil {
		return nil, err
	}

	return &Schedule{
		minutes:     values[0],
		hours:       values[1],
		daysOfMonth: values[2],
		months:      values[3],
		daysOfWeek:  values[4],
		expr:        expr,
	}, nil
}

// parseField parses one field: "*", "N", "N-M", "*/S", "N-M/S", "N/S" or a
// comma-separated list of those. The result is sorted and deduplicated.
func parseField(field string, min, max int) ([]int, error) {
	if field == "" {
		return nil, fmt.Errorf("empty field")
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty value in list")
		}
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, vals...)
	}

	sort.Ints(result)
	return dedupe(result), nil
}

func parsePart(part string, min, max int) ([]int, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepPart)
		if err != nil {
			return nil, fmt.Errorf("invalid step %q", stepPart)
		}
		if s <= 0 {
			return nil, fmt.Errorf("step must be greater than 0")
		}
		step = s
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = min, max
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = parseValue(a, min, max); err != nil {
			return nil, err
		}
		if hi, err = parseValue(b, min, max); err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf("invalid range: start %d > end %d", lo, hi)
		}
	default:
		v, err := parseValue(rangePart, min, max)
		if err != nil {
			return nil, err
		}
		lo, hi = v, v
		if hasStep {
			hi = max
		}
	}

	var out []int
	for v := lo; v <= hi; v += step {
		out = append(out, v)
	}
	return out, nil
}

func parseValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of bounds [%d, %d]", v, min, max)
	}
	return v, nil
}

func dedupe(sorted []int) []int {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// checkReachable rejects day/month combinations that never occur
func checkReachable(daysOfMonth, months []int) error {
	for _, m := range months {
		for _, d := range daysOfMonth {
			if d <= maxDays(m) {
				return nil
			}
		}
	}
	return fmt.Errorf("impossible date: days %v never occur in months %v", daysOfMonth, months)
}

// maxDays allows Feb 29
func maxDays(month int) int {
	switch month {
	case 2:
		return 29
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}
