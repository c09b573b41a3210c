// Package dimension implements the SCD2 dimension side of the core merger:
// the static per-dimension handler registry and the loader that applies
// staged rows to core.<dim> tables as versioned history.
package dimension

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelake-io/carelake/internal/scd2"
	"github.com/carelake-io/carelake/internal/staging"
)

// Sentinel errors for handler configuration.
var (
	// ErrUnknownDimension is returned when no handler exists for a dimension type.
	ErrUnknownDimension = errors.New("unknown dimension type")

	// ErrInvalidHandler is returned when a handler's static configuration is
	// inconsistent.
	ErrInvalidHandler = errors.New("invalid dimension handler")
)

type (
	// TransformFunc is a pure function applied to the canonical value of a
	// source field before it is stored.
	TransformFunc func(any) any

	// FieldMapping maps one staging field to one core column.
	FieldMapping struct {
		SourceField  string // camelCase staging field name
		TargetField  string // camelCase core field name; snake_cased for SQL
		Required     bool
		DefaultValue any
		Transform    TransformFunc
	}

	// Handler is the static description of one dimension type: where its rows
	// come from, where they land, what identifies them and how changes are
	// judged. Handlers are immutable; the registry owns the only instances.
	Handler struct {
		Type               string
		ExtractType        string
		SourceTable        string
		TargetTable        string
		SurrogateKeyColumn string

		// BusinessKeyFields is the ordered natural key, as staging field names.
		BusinessKeyFields []string

		FieldMappings []FieldMapping

		// SignificantFields / NonSignificantFields partition the mapped target
		// fields for in-place updates: only non-significant fields may be
		// rewritten on the current version without a new version.
		SignificantFields    []string
		NonSignificantFields []string

		// TrackedFields is the target-field subset the fingerprint covers.
		TrackedFields []string

		// ComparisonRules are keyed by target field.
		ComparisonRules map[string]scd2.ComparisonRule

		ChangeThreshold float64
	}

	// Version is one row of a core.<dim> table.
	Version struct {
		SurrogateKey  int64
		BusinessKey   string // canonical composite key
		Attributes    map[string]any
		Fingerprint   string
		EffectiveFrom time.Time
		EffectiveTo   *time.Time
		IsCurrent     bool
		LoadRunID     uuid.UUID
		LoadTs        time.Time
	}
)

// Validate checks the handler's static configuration for the inconsistencies
// that would otherwise surface as malformed SQL at load time.
func (h *Handler) Validate() error {
	if h.Type == "" || h.SourceTable == "" || h.TargetTable == "" {
		return fmt.Errorf("%w: %s: type and tables are required", ErrInvalidHandler, h.Type)
	}

	if err := staging.ValidateIdentifier(h.SourceTable); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidHandler, h.Type, err)
	}

	if err := staging.ValidateIdentifier(h.TargetTable); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidHandler, h.Type, err)
	}

	if err := staging.ValidateIdentifier(h.SurrogateKeyColumn); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidHandler, h.Type, err)
	}

	if len(h.BusinessKeyFields) == 0 {
		return fmt.Errorf("%w: %s: business key is empty", ErrInvalidHandler, h.Type)
	}

	targets := h.targetFieldSet()

	for _, field := range h.BusinessKeyFields {
		if h.mappingForSource(field) == nil {
			return fmt.Errorf("%w: %s: business key field %q has no mapping", ErrInvalidHandler, h.Type, field)
		}
	}

	for _, field := range h.TrackedFields {
		if !targets[field] {
			return fmt.Errorf("%w: %s: tracked field %q is not mapped", ErrInvalidHandler, h.Type, field)
		}
	}

	for field, rule := range h.ComparisonRules {
		if !targets[field] {
			return fmt.Errorf("%w: %s: rule field %q is not mapped", ErrInvalidHandler, h.Type, field)
		}

		if rule.Weight < 0 || rule.Weight > 1 {
			return fmt.Errorf("%w: %s: rule weight for %q out of range", ErrInvalidHandler, h.Type, field)
		}
	}

	significant := make(map[string]bool, len(h.SignificantFields))
	for _, field := range h.SignificantFields {
		significant[field] = true
	}

	for _, field := range h.NonSignificantFields {
		if significant[field] {
			return fmt.Errorf("%w: %s: field %q is both significant and non-significant", ErrInvalidHandler, h.Type, field)
		}
	}

	if h.ChangeThreshold <= 0 || h.ChangeThreshold > 1 {
		return fmt.Errorf("%w: %s: change threshold out of range", ErrInvalidHandler, h.Type)
	}

	return nil
}

// BusinessKeyTargetFields returns the target field names of the business key,
// in key order.
func (h *Handler) BusinessKeyTargetFields() []string {
	fields := make([]string, len(h.BusinessKeyFields))

	for i, source := range h.BusinessKeyFields {
		if m := h.mappingForSource(source); m != nil {
			fields[i] = m.TargetField
		}
	}

	return fields
}

// mappingForSource finds the mapping for a staging field, or nil.
func (h *Handler) mappingForSource(sourceField string) *FieldMapping {
	for i := range h.FieldMappings {
		if h.FieldMappings[i].SourceField == sourceField {
			return &h.FieldMappings[i]
		}
	}

	return nil
}

// targetFieldSet returns the set of mapped target field names.
func (h *Handler) targetFieldSet() map[string]bool {
	set := make(map[string]bool, len(h.FieldMappings))

	for _, m := range h.FieldMappings {
		set[m.TargetField] = true
	}

	return set
}

// nonSignificantSet returns the non-significant target fields as a set.
func (h *Handler) nonSignificantSet() map[string]bool {
	set := make(map[string]bool, len(h.NonSignificantFields))

	for _, field := range h.NonSignificantFields {
		set[field] = true
	}

	return set
}
