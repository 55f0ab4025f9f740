package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// metadataFields are bookkeeping fields excluded from the data hash so
// that audit timestamps and identity columns never register as content
// changes.
var metadataFields = map[string]bool{
	"uid":            true,
	"id":             true,
	"created_at":     true,
	"updated_at":     true,
	"created_at_utc": true,
	"updated_at_utc": true,
	"erp_key_hash":   true,
	"erp_data_hash":  true,
	"erp_rowversion": true,
}

// DataHash hashes every non-metadata field with SHA-256 and returns a
// 64-character hex string.
//
// The canonical string sorts fields alphabetically, so the hash is
// independent of input field order — the opposite choice from the
// business-key hash. Null fields are skipped entirely: a field going
// from absent to null is not a change.
func DataHash(record map[string]any, excludeFields map[string]bool) string {
	if excludeFields == nil {
		excludeFields = metadataFields
	}

	fields := make([]string, 0, len(record))
	for field := range record {
		if !excludeFields[field] {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	var b strings.Builder
	first := true
	for _, field := range fields {
		value := record[field]
		if value == nil {
			continue
		}
		if !first {
			b.WriteString(KeySeparator)
		}
		first = false
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(canonicalValue(value))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalValue renders a value deterministically for hashing. Floats
// round to six decimals with trailing zeros trimmed so representation
// noise never flips a hash; nested structures serialize as compact JSON
// with sorted keys.
func canonicalValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return trimFloat(float64(v))
	case float64:
		return trimFloat(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case map[string]any:
		return sortedJSON(v)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = jsonValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// sortedJSON renders a map as compact JSON with keys in sorted order.
// goccy/go-json sorts map keys when marshaling map[string]any, matching
// encoding/json behavior.
func sortedJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func jsonValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
