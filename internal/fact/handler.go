// Package fact implements the fact side of the core merger: the static
// per-fact handler registry and the loader that upserts staged rows into
// core.fact_* tables with resolved dimension keys.
package fact

import (
	"errors"
	"fmt"

	"github.com/carelake-io/carelake/internal/dimension"
	"github.com/carelake-io/carelake/internal/staging"
)

// Sentinel errors for handler configuration.
var (
	// ErrUnknownFact is returned when no handler exists for a fact type.
	ErrUnknownFact = errors.New("unknown fact type")

	// ErrInvalidHandler is returned when a handler's static configuration is
	// inconsistent.
	ErrInvalidHandler = errors.New("invalid fact handler")

	// ErrUnsupportedStrategy is returned for the placeholder missing-key
	// strategy: synthesising placeholder dimension rows would poison the
	// dimension history, so it is rejected outright rather than half-built.
	ErrUnsupportedStrategy = errors.New("unsupported missing-key strategy")
)

type (
	// MissingStrategy decides what happens to a fact row whose dimension
	// lookup finds no current version.
	MissingStrategy string

	// LoadMode is how rows land in the target table.
	LoadMode string

	// FKRelationship declares one dimension reference of a fact.
	FKRelationship struct {
		DimType string

		// FactColumn is the surrogate-key field on the fact, camelCase.
		FactColumn string

		// LookupFields name the staging fields that form the dimension's
		// business key, in the dimension's key order.
		LookupFields []string

		Required  bool
		OnMissing MissingStrategy
	}

	// Handler is the static description of one fact type.
	Handler struct {
		Type        string
		ExtractType string
		SourceTable string
		TargetTable string

		// BusinessKeyFields is the fact's natural key, as staging field
		// names. It is the upsert conflict target.
		BusinessKeyFields []string

		FieldMappings []dimension.FieldMapping
		Relationships []FKRelationship

		Mode LoadMode
	}
)

// Missing-key strategies.
const (
	// MissingError fails the row; under continueOnError it is skipped and
	// charged against the error budget.
	MissingError MissingStrategy = "error"

	// MissingSkip drops the row without charging the error budget; it is
	// counted in the missing-key summary.
	MissingSkip MissingStrategy = "skip"

	// MissingNull loads the row with a NULL key. Only valid on optional
	// relationships.
	MissingNull MissingStrategy = "null"

	// MissingPlaceholder is recognised so configs naming it fail loudly at
	// registry construction instead of silently at load time.
	MissingPlaceholder MissingStrategy = "placeholder"
)

// Load modes.
const (
	// ModeUpsert inserts or replaces on the natural key. Re-merging a load
	// run converges instead of duplicating.
	ModeUpsert LoadMode = "upsert"

	// ModeInsert appends unconditionally, for immutable event streams where
	// the natural key never recurs across runs.
	ModeInsert LoadMode = "insert"

	// ModeUpdate rewrites an existing row on the natural key and fails when
	// no row matches, for facts that are corrected but never first seen here.
	ModeUpdate LoadMode = "update"
)

// Validate checks the handler's static configuration.
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

	if len(h.BusinessKeyFields) == 0 {
		return fmt.Errorf("%w: %s: business key is empty", ErrInvalidHandler, h.Type)
	}

	switch h.Mode {
	case ModeUpsert, ModeInsert, ModeUpdate:
	default:
		return fmt.Errorf("%w: %s: unknown load mode %q", ErrInvalidHandler, h.Type, h.Mode)
	}

	for _, field := range h.BusinessKeyFields {
		if h.mappingForSource(field) == nil {
			return fmt.Errorf("%w: %s: business key field %q has no mapping", ErrInvalidHandler, h.Type, field)
		}
	}

	seen := make(map[string]bool, len(h.Relationships))

	for _, rel := range h.Relationships {
		if rel.DimType == "" || rel.FactColumn == "" || len(rel.LookupFields) == 0 {
			return fmt.Errorf("%w: %s: incomplete relationship %q", ErrInvalidHandler, h.Type, rel.FactColumn)
		}

		if seen[rel.FactColumn] {
			return fmt.Errorf("%w: %s: duplicate relationship column %q", ErrInvalidHandler, h.Type, rel.FactColumn)
		}

		seen[rel.FactColumn] = true

		switch rel.OnMissing {
		case MissingError, MissingSkip:
		case MissingNull:
			if rel.Required {
				return fmt.Errorf("%w: %s: required relationship %q cannot use the null strategy",
					ErrInvalidHandler, h.Type, rel.FactColumn)
			}
		case MissingPlaceholder:
			return fmt.Errorf("%w: %s.%s", ErrUnsupportedStrategy, h.Type, rel.FactColumn)
		default:
			return fmt.Errorf("%w: %s: unknown missing-key strategy %q", ErrInvalidHandler, h.Type, rel.OnMissing)
		}
	}

	return nil
}

// BusinessKeyTargetFields returns the target field names of the natural key,
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
func (h *Handler) mappingForSource(sourceField string) *dimension.FieldMapping {
	for i := range h.FieldMappings {
		if h.FieldMappings[i].SourceField == sourceField {
			return &h.FieldMappings[i]
		}
	}

	return nil
}
