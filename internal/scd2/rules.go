// Package scd2 implements the slowly-changing-dimension type-2 change
// classifier: given a prior dimension version and an incoming record, it
// decides whether the incoming record is NEW, UPDATED (new version required)
// or NO_CHANGE, with a weighted significance score per dimension policy.
package scd2

type (
	// RuleKind selects the comparison semantics for one field.
	RuleKind string

	// ComparisonRule is the per-field versioning policy: how equality is
	// judged and how much a change in this field weighs toward versioning.
	ComparisonRule struct {
		Kind   RuleKind
		Weight float64 // in [0,1]
	}

	// Strategy selects how tracked-field equality is established.
	// StrategyHash short-circuits on fingerprint equality; StrategyField
	// always walks per-field diffs. Both must agree on the outcome.
	Strategy string

	// ChangeType is the classifier's decision.
	ChangeType string

	// AttributeChange is one per-field diff between prior and incoming.
	AttributeChange struct {
		Field       string
		Old         any
		New         any
		Significant bool
	}

	// Change is the classifier output consumed by the dimension loader.
	Change struct {
		Type              ChangeType
		AttributeChanges  []AttributeChange
		SignificanceScore float64
		Fingerprint       string
	}
)

// Comparison rule kinds.
const (
	// RuleExact versions on any canonical inequality.
	RuleExact RuleKind = "exact"

	// RuleSignificant versions on inequality under the relaxed comparator
	// (case-insensitive strings, 1e-4 numeric tolerance).
	RuleSignificant RuleKind = "significant"

	// RuleAlwaysVersion forces a new version whenever the field differs at
	// all, irrespective of the dimension's change threshold.
	RuleAlwaysVersion RuleKind = "always_version"

	// RuleNeverVersion never triggers versioning; changes are applied in
	// place by the loader.
	RuleNeverVersion RuleKind = "never_version"
)

// Fingerprint strategies.
const (
	StrategyHash  Strategy = "hash"
	StrategyField Strategy = "field"
)

// Change classifications.
const (
	ChangeNew      ChangeType = "NEW"
	ChangeUpdated  ChangeType = "UPDATED"
	ChangeNoChange ChangeType = "NO_CHANGE"
)

// countsTowardVersioning reports whether a diff in a field with this rule kind
// is marked significant.
func (k RuleKind) countsTowardVersioning() bool {
	switch k {
	case RuleExact, RuleSignificant, RuleAlwaysVersion:
		return true
	case RuleNeverVersion:
		return false
	default:
		return false
	}
}
