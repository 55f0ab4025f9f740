// Package normalize implements the five-layer normalization pipeline that
// turns raw extract rows into typed, mapped records. Layers run strictly
// in order; each is pure and testable on its own. A layer may mark a
// field invalid without aborting the record; only a missing required
// field at the mapping layer rejects a record.
package normalize

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Source type tags. Unknown tags fall back to string.
const (
	TypeString    = "string"
	TypeChar      = "char"
	TypeLargeText = "large_text"
	TypeNumeric   = "numeric"
	TypeDate      = "date"
	TypeTimestamp = "timestamp"
	TypeBinary    = "binary"
	TypeBoolean   = "boolean"
)

// canonicalType maps the source system's native type names onto the tags
// above. The extract API reports Oracle-style names.
var canonicalType = map[string]string{
	"VARCHAR2":  TypeString,
	"NVARCHAR2": TypeString,
	"STRING":    TypeString,
	"CHAR":      TypeChar,
	"NCHAR":     TypeChar,
	"CLOB":      TypeLargeText,
	"NCLOB":     TypeLargeText,
	"LARGE_TEXT": TypeLargeText,
	"NUMBER":    TypeNumeric,
	"NUMERIC":   TypeNumeric,
	"DECIMAL":   TypeNumeric,
	"INTEGER":   TypeNumeric,
	"INT":       TypeNumeric,
	"FLOAT":     TypeNumeric,
	"DATE":      TypeDate,
	"TIMESTAMP": TypeTimestamp,
	"TIMESTAMP WITH TIME ZONE":       TypeTimestamp,
	"TIMESTAMP WITH LOCAL TIME ZONE": TypeTimestamp,
	"RAW":      TypeBinary,
	"LONG RAW": TypeBinary,
	"BLOB":     TypeBinary,
	"BINARY":   TypeBinary,
	"BOOLEAN":  TypeBoolean,
}

// CanonicalType resolves a source type name to a canonical tag, falling
// back to string for anything unknown.
func CanonicalType(sourceType string) string {
	if t, ok := canonicalType[strings.ToUpper(strings.TrimSpace(sourceType))]; ok {
		return t
	}
	return TypeString
}

// CoerceValue converts one raw value to its canonical in-memory type
// based on the source type tag. Null stays null. Coercion never hard-fails
// a value; anything truly unparseable comes back as its string form and
// later layers decide whether that matters.
func CoerceValue(value any, sourceType string) any {
	if value == nil {
		return nil
	}

	switch CanonicalType(sourceType) {
	case TypeString, TypeChar, TypeLargeText:
		s := strings.TrimSpace(toString(value))
		if s == "" {
			return nil
		}
		return s

	case TypeNumeric:
		return coerceNumeric(value)

	case TypeDate, TypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339)
		case string:
			return strings.TrimSpace(v)
		default:
			return toString(value)
		}

	case TypeBinary:
		if b, ok := value.([]byte); ok {
			return hex.EncodeToString(b)
		}
		return toString(value)

	case TypeBoolean:
		return coerceBool(value)

	default:
		return toString(value)
	}
}

func coerceNumeric(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float32:
		return narrowFloat(float64(v))
	case float64:
		return narrowFloat(v)
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if s == "" {
			return nil
		}
		if !strings.ContainsAny(s, ".eE") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return narrowFloat(f)
		}
		return v
	default:
		return toString(value)
	}
}

// narrowFloat returns an int64 when the float is a whole number within
// integer range, so "10.0" and "10" hash identically.
func narrowFloat(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

func coerceBool(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "TRUE", "T", "YES", "Y", "1":
			return true
		case "FALSE", "F", "NO", "N", "0":
			return false
		}
		return v
	case int, int32, int64:
		return toString(v) != "0"
	case float64:
		return v != 0
	default:
		return value
	}
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		if s, ok := v.(interface{ String() string }); ok {
			return s.String()
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}
