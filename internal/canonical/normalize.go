// Package canonical provides deterministic canonical forms for staging values
// and stable fingerprints over tracked dimension fields.
//
// Canonical forms are the common ground for change detection: two values that
// canonicalise identically are treated as equal by the SCD2 engine regardless
// of how the upstream extract happened to spell them (whitespace, casing,
// float noise, timestamp precision).
package canonical

import (
	"math"
	"strings"
	"time"
)

const (
	// numericScale is the rounding scale for canonical numbers (6 decimal places).
	numericScale = 1e6

	// numericTolerance is the tolerance used by significant-match numeric
	// comparison. Differences below this are not significant.
	numericTolerance = 1e-4

	// timestampLayout renders canonical timestamps as ISO-8601 UTC with
	// millisecond precision.
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Normalize returns the canonical form of a staging value.
//
// Rules:
//   - nil stays nil (missing and null are the same token)
//   - time.Time → ISO-8601 string in UTC, millisecond precision
//   - numbers → float64 rounded to 6 decimal places; NaN and ±Inf → nil
//   - strings → trimmed and lowercased
//   - booleans → unchanged
//   - maps and slices → recursively normalised; slices preserve order
//
// Unknown types pass through unchanged so the caller can decide whether to
// reject them.
func Normalize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return v.UTC().Format(timestampLayout)
	case *time.Time:
		if v == nil {
			return nil
		}

		return v.UTC().Format(timestampLayout)
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case bool:
		return v
	case float64:
		return normalizeFloat(v)
	case float32:
		return normalizeFloat(float64(v))
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for key, val := range v {
			normalized[key] = Normalize(val)
		}

		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, val := range v {
			normalized[i] = Normalize(val)
		}

		return normalized
	default:
		return value
	}
}

// normalizeFloat rounds to 6 decimal places and maps non-finite values to nil.
func normalizeFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}

	return math.Round(v*numericScale) / numericScale
}

// Equal reports whether two values are equal under exact canonical comparison.
func Equal(a, b any) bool {
	return deepEqual(Normalize(a), Normalize(b))
}

// SignificantMatch reports whether two values match under the relaxed
// "significant" comparator: strings compare case-insensitively (canonical form
// already lowercases) and numbers compare within a tolerance of 1e-4.
func SignificantMatch(a, b any) bool {
	na, nb := Normalize(a), Normalize(b)

	fa, aIsNum := na.(float64)
	fb, bIsNum := nb.(float64)

	if aIsNum && bIsNum {
		return math.Abs(fa-fb) < numericTolerance
	}

	return deepEqual(na, nb)
}

// deepEqual compares two already-normalised values structurally.
func deepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}

		for key, val := range av {
			other, present := bv[key]
			if !present || !deepEqual(val, other) {
				return false
			}
		}

		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}

		return true
	default:
		return a == b
	}
}
