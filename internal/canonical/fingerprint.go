package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint computes a stable SHA-256 hex digest over the canonical values
// of the tracked fields in a record.
//
// The tracked subset is serialised as a JSON object; encoding/json marshals
// map keys in lexicographic order, which gives the digest its key-order
// independence. Fields absent from the record are included as null so that a
// missing field and an explicit null fingerprint identically.
//
// Two records with identical tracked-field canonical values always yield
// identical fingerprints, regardless of non-tracked fields.
func Fingerprint(record map[string]any, trackedFields []string) (string, error) {
	subset := make(map[string]any, len(trackedFields))

	for _, field := range trackedFields {
		subset[field] = Normalize(record[field])
	}

	payload, err := json.Marshal(subset)
	if err != nil {
		return "", fmt.Errorf("failed to serialize tracked fields: %w", err)
	}

	digest := sha256.Sum256(payload)

	return hex.EncodeToString(digest[:]), nil
}

// BusinessKey builds the canonical composite business key for a record from
// its ordered key fields. Values are canonicalised and joined with a separator
// that cannot appear in canonical scalar values.
//
// The same record contents always produce the same key, so it is safe to use
// as a cache key or dedup key.
func BusinessKey(record map[string]any, keyFields []string) string {
	parts := make([]string, len(keyFields))

	for i, field := range keyFields {
		parts[i] = scalarString(Normalize(record[field]))
	}

	return strings.Join(parts, "\x1f")
}

// scalarString renders a canonical scalar as its cache/key representation.
func scalarString(value any) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}

		return "false"
	case float64:
		// Shortest round-trip representation keeps 1 and 1.0 identical.
		payload, _ := json.Marshal(v)

		return string(payload)
	default:
		payload, _ := json.Marshal(v)

		return string(payload)
	}
}
