package normalize

import (
	"regexp"
	"strings"
)

// Control characters except tab and newline; carriage returns are folded
// into newlines before this runs.
var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

var multiWhitespace = regexp.MustCompile(`[ \t]+`)

// NormalizeString cleans one string value: trims, strips control
// characters, folds line endings to LF, collapses runs of spaces and
// tabs within each line, and converts an empty result to nil.
func NormalizeString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.ReplaceAll(value, "\r", "\n")
	value = controlChars.ReplaceAllString(value, "")

	lines := strings.Split(value, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(multiWhitespace.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return strings.Join(kept, "\n")
}

// NormalizeStrings applies string normalization to every string field in
// a record, leaving other types untouched.
func NormalizeStrings(record map[string]any) {
	for field, value := range record {
		if s, ok := value.(string); ok {
			record[field] = NormalizeString(s)
		}
	}
}
