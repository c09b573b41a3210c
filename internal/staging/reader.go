package staging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/carelake-io/carelake/internal/canonical"
	"github.com/carelake-io/carelake/internal/storage"
)

// ErrInvalidIdentifier is returned when a table or column name does not look
// like a plain SQL identifier. Table and column names come from the static
// handler registries, never from data, so hitting this means a handler typo.
var ErrInvalidIdentifier = errors.New("invalid SQL identifier")

// identifierPattern matches schema-qualified lowercase identifiers
// ("stg.patient", "core.fact_appointment").
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// Reader streams staging rows for one load run, joined to etl.load_run_files
// on the lineage key and ordered by the business-key columns so loads are
// deterministic.
//
// Batches are fetched with LIMIT/OFFSET on the pool, outside the loader's
// write transaction: the staging tables are immutable for a completed load
// run, so repeated ordered reads are stable, and the write transaction never
// has to interleave a long-lived cursor with its own statements.
type Reader struct {
	conn *storage.Connection
}

// NewReader creates a staging row reader.
func NewReader(conn *storage.Connection) (*Reader, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Reader{conn: conn}, nil
}

// CountRows returns how many staging rows the given source table holds for a
// load run. Used for progress totals.
func (r *Reader) CountRows(ctx context.Context, sourceTable string, loadRunID uuid.UUID) (int64, error) {
	if err := ValidateIdentifier(sourceTable); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s s
		JOIN etl.load_run_files f ON f.id = s.load_run_file_id
		WHERE f.load_run_id = $1
	`, sourceTable)

	var count int64
	if err := r.conn.QueryRowContext(ctx, query, loadRunID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count staging rows in %s: %w", sourceTable, err)
	}

	return count, nil
}

// FetchBatch returns up to limit rows from sourceTable for the load run,
// starting at offset, ordered by the camelCase business-key fields given in
// orderFields. Column names in the returned rows are camelCased.
func (r *Reader) FetchBatch(
	ctx context.Context,
	sourceTable string,
	orderFields []string,
	loadRunID uuid.UUID,
	limit, offset int,
) ([]Row, error) {
	if err := ValidateIdentifier(sourceTable); err != nil {
		return nil, err
	}

	orderBy, err := orderByClause(orderFields)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT s.*
		FROM %s s
		JOIN etl.load_run_files f ON f.id = s.load_run_file_id
		WHERE f.load_run_id = $1
		ORDER BY %s
		LIMIT $2 OFFSET $3
	`, sourceTable, orderBy)

	rows, err := r.conn.QueryContext(ctx, query, loadRunID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch staging batch from %s: %w", sourceTable, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read staging columns: %w", err)
	}

	batch := make([]Row, 0, limit)

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", err)
		}

		batch = append(batch, rowFromColumns(columns, values))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staging rows: %w", err)
	}

	return batch, nil
}

// orderByClause builds the batch ordering from the camelCase business-key
// fields. The business key alone is not unique across staged files (the same
// key can arrive in several extract files), so the lineage id and the
// physical row id are appended as tiebreakers; without a total order,
// LIMIT/OFFSET re-queries could hand the same row to two batches.
func orderByClause(orderFields []string) (string, error) {
	orderColumns := make([]string, 0, len(orderFields)+2)

	for _, field := range orderFields {
		column := canonical.SnakeCase(field)
		if err := ValidateIdentifier(column); err != nil {
			return "", err
		}

		orderColumns = append(orderColumns, "s."+column)
	}

	orderColumns = append(orderColumns, "s.load_run_file_id", "s.ctid")

	return strings.Join(orderColumns, ", "), nil
}

// ValidateIdentifier rejects anything that is not a plain, optionally
// schema-qualified SQL identifier.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	return nil
}

// rowFromColumns builds a Row with camelCase field names and driver values
// converted to plain Go types.
func rowFromColumns(columns []string, values []any) Row {
	row := make(Row, len(columns))

	for i, column := range columns {
		row[canonical.CamelCase(column)] = convertValue(values[i])
	}

	return row
}

// convertValue maps driver scan results to the value kinds the merger works
// with. lib/pq hands text columns back as []byte.
func convertValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}
