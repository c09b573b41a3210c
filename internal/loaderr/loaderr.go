// Package loaderr defines the error taxonomy shared by the dimension and fact
// loaders, and the error budget that bounds how much per-row failure a load
// tolerates before it aborts.
package loaderr

import (
	"errors"
	"fmt"
)

type (
	// Kind is the per-row / per-batch error classification.
	Kind string

	// RowError records one skipped row with enough context to chase it back
	// to the staging extract.
	RowError struct {
		Kind        Kind
		BusinessKey string
		Message     string
	}

	// Budget enforces errorHandling.maxErrors and errorHandling.maxErrorRate:
	// even with continueOnError, a load stops once the budget is blown.
	Budget struct {
		maxErrors    int
		maxErrorRate float64
		errorCount   int
		rowsSeen     int
	}
)

// Error kinds, per the merger's error taxonomy.
const (
	// KindBusinessKeyMissing marks a dimension row with an incomplete
	// business key or missing required field. Per-row; the batch continues.
	KindBusinessKeyMissing Kind = "business_key_missing"

	// KindBusinessKeyConflict marks a fact row with an incomplete business
	// key. Per-row; the batch continues.
	KindBusinessKeyConflict Kind = "business_key_conflict"

	// KindTransformationError marks a row whose field mapping failed.
	KindTransformationError Kind = "transformation_error"

	// KindMissingForeignKey marks a fact row skipped because a required
	// dimension was absent under the skip strategy.
	KindMissingForeignKey Kind = "missing_foreign_key"

	// KindConstraintViolation marks a batch aborted by an integrity
	// constraint.
	KindConstraintViolation Kind = "constraint_violation"

	// KindSCD2ConstraintViolation marks a version write that would leave a
	// business key with multiple current versions or overlapping effective
	// ranges. Always fatal to the merge.
	KindSCD2ConstraintViolation Kind = "scd2_constraint_violation"

	// KindDatabaseError marks a batch aborted by any other database failure.
	KindDatabaseError Kind = "database_error"
)

// ErrBudgetExceeded is returned when a load has burned through its error
// budget and must stop even under continueOnError.
var ErrBudgetExceeded = errors.New("error budget exceeded")

// Error implements the error interface.
func (e RowError) Error() string {
	if e.BusinessKey == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}

	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.BusinessKey, e.Message)
}

// NewBudget creates an error budget. maxErrors <= 0 disables the absolute
// bound; maxErrorRate <= 0 disables the rate bound.
func NewBudget(maxErrors int, maxErrorRate float64) *Budget {
	return &Budget{maxErrors: maxErrors, maxErrorRate: maxErrorRate}
}

// RecordRows notes rows seen (errored or not); the rate bound is relative to
// this count.
func (b *Budget) RecordRows(n int) {
	b.rowsSeen += n
}

// RecordError notes one per-row error.
func (b *Budget) RecordError() {
	b.errorCount++
}

// Check returns ErrBudgetExceeded (wrapped with the triggering bound) once
// either bound is crossed. The rate bound only kicks in after a minimum sample
// so a single early error cannot abort a large load.
func (b *Budget) Check() error {
	if b.maxErrors > 0 && b.errorCount > b.maxErrors {
		return fmt.Errorf("%w: %d errors (max %d)", ErrBudgetExceeded, b.errorCount, b.maxErrors)
	}

	const minSample = 100

	if b.maxErrorRate > 0 && b.rowsSeen >= minSample {
		rate := float64(b.errorCount) / float64(b.rowsSeen)
		if rate > b.maxErrorRate {
			return fmt.Errorf("%w: error rate %.4f (max %.4f over %d rows)",
				ErrBudgetExceeded, rate, b.maxErrorRate, b.rowsSeen)
		}
	}

	return nil
}

// ErrorCount returns the number of errors recorded so far.
func (b *Budget) ErrorCount() int {
	return b.errorCount
}
