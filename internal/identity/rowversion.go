package identity

import (
	"strconv"
	"strings"
	"time"
)

// ExtractRowversion pulls the source change token out of a record as a
// verbatim string. Returns "" when the field is absent or null.
func ExtractRowversion(record map[string]any, field string) string {
	if field == "" {
		return ""
	}
	value, ok := record[field]
	if !ok || value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return canonicalValue(v)
	}
}

// CompareRowversions orders two rowversion tokens: -1, 0, or 1.
//
// The source may emit timestamps, version counters, or opaque strings, so
// comparison tries three interpretations in order: both parse as
// timestamps, both parse as numbers, else plain lexicographic. Empty
// sorts before everything.
func CompareRowversions(a, b string) int {
	if a == "" && b == "" {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	if ta, okA := parseRowversionTime(a); okA {
		if tb, okB := parseRowversionTime(b); okB {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}

	if na, errA := strconv.ParseFloat(a, 64); errA == nil {
		if nb, errB := strconv.ParseFloat(b, 64); errB == nil {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(a, b)
}

var rowversionTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseRowversionTime(s string) (time.Time, bool) {
	for _, layout := range rowversionTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// MaxRowversion returns the larger of two tokens under rowversion
// ordering, used by the tracking stage to advance the sync watermark.
func MaxRowversion(a, b string) string {
	if CompareRowversions(a, b) >= 0 {
		return a
	}
	return b
}
