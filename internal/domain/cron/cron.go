// Package cron wraps five-field POSIX cron parsing for the scheduler.
// All evaluation happens in UTC at minute precision.
package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// FieldCount is the number of fields in the supported cron dialect
// (minute hour day-of-month month day-of-week).
const FieldCount = 5

var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Parse validates a five-field cron expression and returns its schedule.
func Parse(expr string) (robfig.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != FieldCount {
		return nil, fmt.Errorf("cron expression %q: expected %d fields, got %d", expr, FieldCount, len(fields))
	}
	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Validate reports whether expr parses as a five-field cron expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// IsOneShot reports whether the expression denotes a single future instant:
// minute, hour, day-of-month, and month are literal digits and day-of-week
// is "*". Such tasks are registered with an absolute fire time rather than a
// repeating trigger, and fire at most once.
func IsOneShot(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) != FieldCount {
		return false
	}
	for _, f := range fields[:4] {
		if !isDigits(f) {
			return false
		}
	}
	return fields[4] == "*"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Next returns the first firing time strictly after the given instant,
// in UTC, rounded down to minute precision.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future firing after %s", expr, after.UTC().Format(time.RFC3339))
	}
	return next.UTC().Truncate(time.Minute), nil
}

// RoundToMinute rounds a caller-supplied time to the nearest minute in UTC.
// Used for next_run_time values supplied by the scheduling tool.
func RoundToMinute(t time.Time) time.Time {
	return t.UTC().Round(time.Minute)
}
