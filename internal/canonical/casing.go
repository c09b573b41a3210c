package canonical

import "strings"

// SnakeCase converts a camelCase field name to its snake_case column name.
//
// Handler field mappings are declared in camelCase; warehouse columns are
// snake_case. INSERT, UPDATE and SELECT all go through this one function so
// the round-trip stays consistent.
//
// Examples: "firstName" → "first_name", "perOrgID" → "per_org_id".
func SnakeCase(field string) string {
	var b strings.Builder

	b.Grow(len(field) + 4)

	runes := []rune(field)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			// Break before the first upper of a run, and before the last
			// upper of a run followed by a lower ("perOrgID" → per_org_id).
			prevLower := i > 0 && isLower(runes[i-1])
			nextLower := i+1 < len(runes) && isLower(runes[i+1])

			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('_')
			}

			b.WriteRune(r - 'A' + 'a')

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// CamelCase converts a snake_case column name back to its camelCase field name.
//
// Examples: "first_name" → "firstName", "load_run_id" → "loadRunId".
func CamelCase(column string) string {
	var b strings.Builder

	b.Grow(len(column))

	upperNext := false

	for _, r := range column {
		if r == '_' {
			upperNext = true

			continue
		}

		if upperNext && r >= 'a' && r <= 'z' {
			b.WriteRune(r - 'a' + 'A')
			upperNext = false

			continue
		}

		upperNext = false

		b.WriteRune(r)
	}

	return b.String()
}

func isLower(r rune) bool {
	return r >= 'a' && r <= 'z'
}
