package normalize

import (
	"strings"
	"time"
)

// Known input layouts, tried in order. Time-bearing layouts come first so
// a timestamp string is never truncated by a date-only match.
var datetimeLayouts = []string{
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05.000000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02 15:04:05",
	"02-01-2006 15:04:05",
	"02/01/2006 15:04:05",
	"02.01.2006 15:04:05",
	"01-02-2006 15:04:05",
	"01/02/2006 15:04:05",
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02-01-2006",
	"02/01/2006",
	"01-02-2006",
	"01/02/2006",
	"20060102",
	"02.01.2006",
}

// NormalizeDateTime parses a date or timestamp value and renders it as an
// ISO-8601 UTC string. Unparseable input returns ok=false so the caller
// records a soft field failure; null passes through as valid.
//
// Ambiguous day/month strings resolve to the first matching layout in the
// declared order, so `03-04-2025` parses European (April 3rd).
func NormalizeDateTime(value any) (result any, ok bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case time.Time:
		return v.UTC().Format(time.RFC3339), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, true
		}

		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Format(time.RFC3339), true
			}
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Format(time.RFC3339), true
			}
		}

		// Lenient fallback for layouts with offsets or stray spacing
		if t, err := lenientParse(s); err == nil {
			return t.UTC().Format(time.RFC3339), true
		}
		return nil, false
	default:
		return nil, false
	}
}

// NormalizeDateOnly is NormalizeDateTime truncated to the date part.
func NormalizeDateOnly(value any) (any, bool) {
	result, ok := NormalizeDateTime(value)
	if !ok || result == nil {
		return result, ok
	}
	s := result.(string)
	if i := strings.IndexByte(s, 'T'); i > 0 {
		return s[:i], true
	}
	return s, true
}

var lenientLayouts = []string{
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 MST",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC822,
	time.ANSIC,
	"Jan 2, 2006",
	"2 Jan 2006",
	"January 2, 2006",
}

func lenientParse(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range lenientLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
