// Package identity computes record identity: the business-key hash that
// matches records across syncs, the data hash that detects content
// changes, and the rowversion comparator used by incremental delta
// passes.
package identity

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// KeySeparator joins field=value pairs in canonical hash strings.
const KeySeparator = "|"

// BusinessKeyHash hashes the business-key fields with xxh3-128 and
// returns a 32-character hex string.
//
// The canonical string concatenates field=value pairs in the DECLARED
// business-key order, not sorted. Callers control the order and with it
// the debuggability of collisions; reordering the declared keys changes
// every hash for the entity. An optional entity name prefixes the
// canonical string so identical key values in different entities never
// collide.
//
// A missing or null business-key field is an error: a record without a
// complete business key has no identity.
func BusinessKeyHash(record map[string]any, businessKeys []string, entityName string) (string, error) {
	if len(businessKeys) == 0 {
		return "", fmt.Errorf("business key fields cannot be empty")
	}

	pairs := make([]string, 0, len(businessKeys))
	for _, field := range businessKeys {
		value, ok := record[field]
		if !ok {
			return "", fmt.Errorf("business key field %q not found in record", field)
		}
		if value == nil {
			return "", fmt.Errorf("business key field %q is null", field)
		}
		pairs = append(pairs, field+"="+canonicalValue(value))
	}

	canonical := strings.Join(pairs, KeySeparator)
	if entityName != "" {
		canonical = entityName + KeySeparator + canonical
	}

	h := xxh3.Hash128([]byte(canonical))
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo), nil
}

// ValidKeyHash reports whether a string looks like a business-key hash:
// exactly 32 lowercase hex characters.
func ValidKeyHash(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Ref builds the human-readable debug label from the business-key
// fields, e.g. "item_number=PART-12345|site_code=SITE-A". Not unique,
// never compared.
func Ref(record map[string]any, businessKeys []string) string {
	parts := make([]string, 0, len(businessKeys))
	for _, field := range businessKeys {
		if value, ok := record[field]; ok && value != nil {
			parts = append(parts, field+"="+canonicalValue(value))
		}
	}
	return strings.Join(parts, KeySeparator)
}
