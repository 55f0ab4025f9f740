package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// windowOpen reports whether now falls inside the wall-clock window. A
// window whose end precedes its start wraps midnight: 19:00 to 07:00 covers
// the evening and the following morning. Empty bounds mean always open.
func windowOpen(start, end string, now time.Time) bool {
	if start == "" || end == "" {
		return true
	}
	s, err := parseClock(start)
	if err != nil {
		return false
	}
	e, err := parseClock(end)
	if err != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()

	if s <= e {
		return cur >= s && cur <= e
	}
	return cur >= s || cur <= e
}

// windowKey identifies the current window occurrence so the daily row
// counter resets exactly once per occurrence. For a wrapped window the
// post-midnight hours belong to the previous calendar day's occurrence.
func windowKey(start, end string, now time.Time) string {
	day := now
	if start != "" && end != "" {
		s, serr := parseClock(start)
		e, eerr := parseClock(end)
		if serr == nil && eerr == nil && s > e {
			cur := now.Hour()*60 + now.Minute()
			if cur <= e {
				day = now.AddDate(0, 0, -1)
			}
		}
	}
	return day.Format("2006-01-02")
}
