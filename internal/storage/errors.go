package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// PostgreSQL error code prefixes and codes used for classification.
// Per PostgreSQL documentation:
//   - Class 08 covers connection exceptions (08000, 08003, 08006, ...)
//   - Class 23 covers integrity constraint violations
//   - 23505 is unique_violation specifically
const (
	pqClassConnection   = "08"
	pqClassConstraint   = "23"
	pqUniqueViolation   = "23505"
	pqSerializationFail = "40001"
)

// IsConnectionError reports whether err indicates the database connection was
// lost. Connection loss is the one per-row error that must abort a whole load
// rather than be recorded and skipped.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), pqClassConnection)
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (23505). Fact loaders in insert-only mode surface these as
// duplicate business keys.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}

	return false
}

// IsConstraintViolation reports whether err is any PostgreSQL integrity
// constraint violation (class 23): unique, foreign key, not-null, check.
func IsConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), pqClassConstraint)
	}

	return false
}

// IsRetryable reports whether err is transient and worth retrying: connection
// loss or a serialization failure. Constraint violations are never retryable.
func IsRetryable(err error) bool {
	if IsConnectionError(err) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqSerializationFail
	}

	return false
}
