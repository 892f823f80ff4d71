// Package cron evaluates five-field cron expressions
// (minute, hour, day-of-month, month, day-of-week).
//
// Each field is parsed into an allowed-value set, so matching a timestamp is a
// set lookup per field rather than a walk through a third-party scheduling
// library. When both day-of-month and day-of-week are restricted, a timestamp
// must satisfy both.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression marks schedule strings that cannot be parsed.
// Callers treat such schedules as never due.
var ErrInvalidExpression = errors.New("invalid cron expression")

// lookahead bounds Next so an unsatisfiable expression (e.g. "0 0 30 2 *")
// terminates instead of scanning forever.
const lookahead = 4 // years

type fieldSet map[int]bool

func (f fieldSet) has(v int) bool { return f[v] }

// Expression is a parsed cron expression.
//
// The zero/nil Expression is safe to use: it matches nothing and has no next
// occurrence.
type Expression struct {
	src    string
	minute fieldSet
	hour   fieldSet
	dom    fieldSet
	month  fieldSet
	dow    fieldSet
}

// Parse parses a five-field cron expression.
//
// Field syntax: "*", literal "N", range "a-b", step "*/s" or "a-b/s", and
// comma-separated lists of those. Day-of-week runs 0-6 with 7 accepted as
// Sunday.
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: %q has %d fields, want 5", ErrInvalidExpression, expr, len(fields))
	}

	specs := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 7},
	}

	sets := make([]fieldSet, len(specs))
	for i, sp := range specs {
		set, err := parseField(fields[i], sp.min, sp.max)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %s field: %v", ErrInvalidExpression, expr, sp.name, err)
		}
		sets[i] = set
	}

	// Normalize day-of-week 7 to Sunday.
	if sets[4].has(7) {
		delete(sets[4], 7)
		sets[4][0] = true
	}

	return &Expression{
		src:    expr,
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

// parseField expands one cron field into its allowed-value set.
func parseField(field string, min, max int) (fieldSet, error) {
	set := fieldSet{}
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty element in %q", field)
		}

		step := 1
		rangePart := part
		if i := strings.IndexByte(part, '/'); i >= 0 {
			rangePart = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = n
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			// full range
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || a > b || a < min || b > max {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil || v < min || v > max {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			if step != 1 {
				return nil, fmt.Errorf("step needs a range in %q", part)
			}
			lo, hi = v, v
		}

		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no values in %q", field)
	}
	return set, nil
}

// String returns the original expression text.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.src
}

// Matches reports whether t satisfies the expression at minute granularity.
func (e *Expression) Matches(t time.Time) bool {
	if e == nil {
		return false
	}
	return e.minute.has(t.Minute()) &&
		e.hour.has(t.Hour()) &&
		e.dom.has(t.Day()) &&
		e.month.has(int(t.Month())) &&
		e.dow.has(int(t.Weekday()))
}

// ShouldRun reports whether a task with the given lastRun is due at now.
//
// True only when now matches the expression AND lastRun precedes the start of
// the current matching minute. Poll ticks landing inside the same minute as a
// completed run therefore never fire twice.
func (e *Expression) ShouldRun(lastRun, now time.Time) bool {
	if !e.Matches(now) {
		return false
	}
	if lastRun.IsZero() {
		return true
	}
	return lastRun.Before(now.Truncate(time.Minute))
}

// Next returns the first matching instant strictly after from, at minute
// resolution in from's location. ok is false when no occurrence exists within
// the look-ahead window.
func (e *Expression) Next(from time.Time) (next time.Time, ok bool) {
	if e == nil {
		return time.Time{}, false
	}

	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(lookahead, 0, 0)

	for t.Before(limit) {
		if !e.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !e.dom.has(t.Day()) || !e.dow.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !e.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !e.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}
