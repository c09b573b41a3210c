package scd2

import (
	"errors"
	"fmt"
	"sort"

	"github.com/carelake-io/carelake/internal/canonical"
)

// Sentinel errors for classifier construction.
var (
	// ErrNoTrackedFields is returned when a classifier is built without any
	// tracked fields; a dimension with nothing tracked can never version.
	ErrNoTrackedFields = errors.New("classifier requires at least one tracked field")

	// ErrInvalidThreshold is returned when the change threshold is outside (0,1].
	ErrInvalidThreshold = errors.New("change threshold must be in (0,1]")

	// ErrUnknownStrategy is returned for a strategy other than hash or field.
	ErrUnknownStrategy = errors.New("unknown SCD2 strategy")
)

// Classifier decides NEW / UPDATED / NO_CHANGE for one dimension type.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	rules         map[string]ComparisonRule
	trackedFields []string
	trackedSet    map[string]bool
	threshold     float64
	strategy      Strategy
}

// NewClassifier builds a classifier from a dimension's comparison rules,
// tracked-field set and change threshold.
func NewClassifier(
	rules map[string]ComparisonRule,
	trackedFields []string,
	threshold float64,
	strategy Strategy,
) (*Classifier, error) {
	if len(trackedFields) == 0 {
		return nil, ErrNoTrackedFields
	}

	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}

	if strategy != StrategyHash && strategy != StrategyField {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	trackedSet := make(map[string]bool, len(trackedFields))
	for _, field := range trackedFields {
		trackedSet[field] = true
	}

	return &Classifier{
		rules:         rules,
		trackedFields: trackedFields,
		trackedSet:    trackedSet,
		threshold:     threshold,
		strategy:      strategy,
	}, nil
}

// Classify compares a prior version's attributes against an incoming record.
//
// prior is nil when no current version exists for the business key; the
// result is then NEW with score 1.0. priorFingerprint may be empty (e.g. rows
// written before fingerprints were stored); it is recomputed from the prior
// attributes in that case.
func (c *Classifier) Classify(prior map[string]any, priorFingerprint string, incoming map[string]any) (Change, error) {
	fingerprint, err := canonical.Fingerprint(incoming, c.trackedFields)
	if err != nil {
		return Change{}, fmt.Errorf("failed to fingerprint incoming record: %w", err)
	}

	if prior == nil {
		return Change{
			Type:              ChangeNew,
			SignificanceScore: 1.0,
			Fingerprint:       fingerprint,
		}, nil
	}

	// Fast path: identical tracked fingerprints mean there are no tracked
	// changes. Non-tracked diffs are still reported so the loader can update
	// them in place. The field strategy recomputes everything per field and
	// must land on the same answer.
	if c.strategy == StrategyHash {
		priorFp := priorFingerprint
		if priorFp == "" {
			priorFp, err = canonical.Fingerprint(prior, c.trackedFields)
			if err != nil {
				return Change{}, fmt.Errorf("failed to fingerprint prior record: %w", err)
			}
		}

		if priorFp == fingerprint {
			diffs := c.diffFields(prior, incoming, func(field string) bool {
				return !c.trackedSet[field]
			})

			return Change{
				Type:             ChangeNoChange,
				AttributeChanges: diffs,
				Fingerprint:      fingerprint,
			}, nil
		}
	}

	diffs := c.diffFields(prior, incoming, func(string) bool { return true })

	score, forced := c.score(diffs)

	changeType := ChangeNoChange
	if forced || score >= c.threshold {
		changeType = ChangeUpdated
	}

	return Change{
		Type:              changeType,
		AttributeChanges:  diffs,
		SignificanceScore: score,
		Fingerprint:       fingerprint,
	}, nil
}

// diffFields walks the union of field names in prior and incoming, in sorted
// order for deterministic output, and records every inequality for fields the
// include predicate admits.
func (c *Classifier) diffFields(prior, incoming map[string]any, include func(string) bool) []AttributeChange {
	union := make(map[string]bool, len(prior)+len(incoming))

	for field := range prior {
		union[field] = true
	}

	for field := range incoming {
		union[field] = true
	}

	fields := make([]string, 0, len(union))
	for field := range union {
		fields = append(fields, field)
	}

	sort.Strings(fields)

	var diffs []AttributeChange

	for _, field := range fields {
		if !include(field) {
			continue
		}

		oldValue := prior[field]
		newValue := incoming[field]

		rule, covered := c.rules[field]
		if c.fieldsEqual(rule.Kind, covered, oldValue, newValue) {
			continue
		}

		diffs = append(diffs, AttributeChange{
			Field:       field,
			Old:         oldValue,
			New:         newValue,
			Significant: covered && rule.Kind.countsTowardVersioning(),
		})
	}

	return diffs
}

// fieldsEqual applies the rule kind's equality semantics.
func (c *Classifier) fieldsEqual(kind RuleKind, covered bool, oldValue, newValue any) bool {
	if covered && kind == RuleSignificant {
		return canonical.SignificantMatch(oldValue, newValue)
	}

	// exact, always_version, never_version and uncovered fields all diff on
	// canonical inequality; they differ only in how the diff scores.
	return canonical.Equal(oldValue, newValue)
}

// score computes the weighted significance score over rule-covered diffs and
// reports whether an always_version diff forces UPDATED.
//
// never_version rules contribute zero weight on both sides of the ratio;
// uncovered fields contribute nothing.
func (c *Classifier) score(diffs []AttributeChange) (float64, bool) {
	var (
		significantWeight float64
		coveredWeight     float64
		forced            bool
	)

	for _, diff := range diffs {
		rule, covered := c.rules[diff.Field]
		if !covered || rule.Kind == RuleNeverVersion {
			continue
		}

		coveredWeight += rule.Weight

		if diff.Significant {
			significantWeight += rule.Weight
		}

		if rule.Kind == RuleAlwaysVersion {
			forced = true
		}
	}

	if coveredWeight == 0 {
		return 0, forced
	}

	score := significantWeight / coveredWeight
	if score > 1 {
		score = 1
	}

	if score < 0 {
		score = 0
	}

	return score, forced
}
