package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/planhub/erpbridge/pkg/config"
)

var specialChars = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

// ApplyTransformation applies one named transformation to a value. Null
// passes through. Non-string values are rendered to string first, which
// matches what the transformations mean for identifiers coming out of
// the ERP.
func ApplyTransformation(value any, t config.Transformation) any {
	if value == nil || t == config.TransformNone {
		return value
	}

	s := toString(value)
	switch t {
	case config.TransformUppercase:
		return strings.ToUpper(s)
	case config.TransformLowercase:
		return strings.ToLower(s)
	case config.TransformTrim:
		return strings.TrimSpace(s)
	case config.TransformTitleCase:
		return titleCase(s)
	case config.TransformCapitalize:
		return capitalize(s)
	case config.TransformStripSpace:
		return strings.Join(strings.Fields(s), "")
	case config.TransformStripSpecial:
		return specialChars.ReplaceAllString(s, "")
	default:
		return value
	}
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// MapRecord applies the entity's field mappings to a normalized record:
// renames source fields to target fields, applies declared
// transformations, substitutes defaults for nulls, and returns the list
// of required target fields that ended up null. Unmapped fields keep
// their source names.
func MapRecord(record map[string]any, entity *config.EntityConfig) (map[string]any, []string) {
	bysource := make(map[string]*config.FieldMapping, len(entity.Mappings))
	for i := range entity.Mappings {
		bysource[entity.Mappings[i].SourceField] = &entity.Mappings[i]
	}

	mapped := make(map[string]any, len(record))
	for field, value := range record {
		m := bysource[field]
		if m == nil {
			mapped[field] = value
			continue
		}

		value = ApplyTransformation(value, m.Transformation)
		if value == nil && m.DefaultValue != nil {
			value = m.DefaultValue
		}
		mapped[m.TargetField] = value
	}

	var missing []string
	for i := range entity.Mappings {
		m := &entity.Mappings[i]
		if !m.Required {
			continue
		}
		if v, ok := mapped[m.TargetField]; !ok || v == nil {
			missing = append(missing, m.TargetField)
		}
	}

	return mapped, missing
}
