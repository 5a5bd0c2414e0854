package core

import (
	"time"

	"github.com/robfig/cron/v3"
)

// parseSchedule parses a standard 5-field cron expression.
func parseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// prevFiring returns the most recent firing time of the schedule at or
// before now. The cron library only computes the next firing, so we walk
// forward from progressively wider lookback windows; the first window that
// contains a firing gives the answer. A schedule that has not fired within a
// year (possible with day-of-month/day-of-week combinations) reports false.
func prevFiring(sched cron.Schedule, now time.Time) (time.Time, bool) {
	windows := []time.Duration{
		time.Hour,
		24 * time.Hour,
		32 * 24 * time.Hour,
		366 * 24 * time.Hour,
	}

	for _, window := range windows {
		t := now.Add(-window)
		var last time.Time
		for {
			next := sched.Next(t)
			if next.IsZero() || next.After(now) {
				break
			}
			last = next
			t = next
		}
		if !last.IsZero() {
			return last, true
		}
	}
	return time.Time{}, false
}
