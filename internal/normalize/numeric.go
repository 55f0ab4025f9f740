package normalize

import (
	"fmt"
	"strconv"
	"strings"
)

var currencySymbols = strings.NewReplacer("$", "", "€", "", "£", "")

// NormalizeNumeric parses a numeric value from its string form: strips
// thousands separators and currency symbols, treats parenthesized values
// as negative (accounting notation), and accepts scientific notation.
// Unparseable input becomes nil with ok=false so the caller can record a
// soft field failure. Null passes through as valid.
func NormalizeNumeric(value any) (result any, ok bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case int64, float64:
		return v, true
	case int:
		return int64(v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, true
		}

		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSpace(currencySymbols.Replace(s))

		if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
			s = "-" + s[1:len(s)-1]
		}

		if !strings.ContainsAny(s, ".eE") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return narrowFloat(f), true
		}
		return nil, false
	default:
		return nil, false
	}
}

// ValidateRange checks a normalized numeric against an inclusive min/max.
// Null is always in range.
func ValidateRange(value any, min, max *float64) error {
	if value == nil || (min == nil && max == nil) {
		return nil
	}

	var f float64
	switch v := value.(type) {
	case int64:
		f = float64(v)
	case float64:
		f = v
	default:
		return nil
	}

	if min != nil && f < *min {
		return fmt.Errorf("value %v below minimum %v", value, *min)
	}
	if max != nil && f > *max {
		return fmt.Errorf("value %v above maximum %v", value, *max)
	}
	return nil
}
