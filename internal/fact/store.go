package fact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelake-io/carelake/internal/canonical"
)

// ErrUpdateTargetMissing is returned by update-mode writes that matched no
// existing row; the natural key was never loaded.
var ErrUpdateTargetMissing = errors.New("update matched no existing row")

// querier is the subset of database/sql the store needs; the loader passes
// its batch transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type (
	// Record is one transformed fact row ready to write: attribute values by
	// target field, resolved surrogate keys by fact column (nil for a NULL
	// key under the null strategy).
	Record struct {
		Attributes map[string]any
		Keys       map[string]*int64
		LoadRunID  uuid.UUID
		LoadTs     time.Time
	}

	// Store writes core.fact_* rows. SQL is generated from the static
	// handler configuration.
	Store struct{}
)

// NewStore creates a fact row store.
func NewStore() *Store {
	return &Store{}
}

// Write lands one record according to the handler's load mode. The inserted
// return reports whether the row was new (as opposed to replaced by the
// upsert).
func (s *Store) Write(ctx context.Context, q querier, h *Handler, rec *Record) (inserted bool, err error) {
	columns, args := s.columnsAndArgs(h, rec)

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	if h.Mode == ModeInsert {
		query := fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES (%s)
		`, h.TargetTable, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return false, fmt.Errorf("failed to insert %s row: %w", h.Type, err)
		}

		return true, nil
	}

	if h.Mode == ModeUpdate {
		return false, s.update(ctx, q, h, columns, args)
	}

	conflictColumns := make([]string, 0, len(h.BusinessKeyFields))
	conflictSet := make(map[string]bool, len(h.BusinessKeyFields))

	for _, field := range h.BusinessKeyTargetFields() {
		column := canonical.SnakeCase(field)
		conflictColumns = append(conflictColumns, column)
		conflictSet[column] = true
	}

	assignments := make([]string, 0, len(columns))

	for _, column := range columns {
		if conflictSet[column] {
			continue
		}

		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", column, column))
	}

	// xmax = 0 distinguishes a fresh insert from a conflict-path update.
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (%s) DO UPDATE SET %s
		RETURNING (xmax = 0)
	`, h.TargetTable,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictColumns, ", "),
		strings.Join(assignments, ", "))

	if err := q.QueryRowContext(ctx, query, args...).Scan(&inserted); err != nil {
		return false, fmt.Errorf("failed to upsert %s row: %w", h.Type, err)
	}

	return inserted, nil
}

// update rewrites the non-key columns of the row matching the natural key.
// Zero rows affected means the key was never loaded, which update mode treats
// as a database failure rather than silently dropping the correction.
func (s *Store) update(ctx context.Context, q querier, h *Handler, columns []string, args []any) error {
	keySet := make(map[string]bool, len(h.BusinessKeyFields))
	for _, field := range h.BusinessKeyTargetFields() {
		keySet[canonical.SnakeCase(field)] = true
	}

	assignments := make([]string, 0, len(columns))
	predicates := make([]string, 0, len(keySet))
	ordered := make([]any, 0, len(args))

	for i, column := range columns {
		if keySet[column] {
			continue
		}

		ordered = append(ordered, args[i])
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(ordered)))
	}

	for i, column := range columns {
		if !keySet[column] {
			continue
		}

		ordered = append(ordered, args[i])
		predicates = append(predicates, fmt.Sprintf("%s = $%d", column, len(ordered)))
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s
		WHERE %s
	`, h.TargetTable, strings.Join(assignments, ", "), strings.Join(predicates, " AND "))

	result, err := q.ExecContext(ctx, query, ordered...)
	if err != nil {
		return fmt.Errorf("failed to update %s row: %w", h.Type, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for %s: %w", h.Type, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrUpdateTargetMissing, h.Type)
	}

	return nil
}

// columnsAndArgs lays out the write columns: attributes in mapping order,
// surrogate keys in relationship order, then lineage.
func (s *Store) columnsAndArgs(h *Handler, rec *Record) ([]string, []any) {
	columns := make([]string, 0, len(h.FieldMappings)+len(h.Relationships)+2)
	args := make([]any, 0, cap(columns))

	for _, m := range h.FieldMappings {
		columns = append(columns, canonical.SnakeCase(m.TargetField))
		args = append(args, rec.Attributes[m.TargetField])
	}

	for _, rel := range h.Relationships {
		columns = append(columns, canonical.SnakeCase(rel.FactColumn))

		if key := rec.Keys[rel.FactColumn]; key != nil {
			args = append(args, *key)
		} else {
			args = append(args, nil)
		}
	}

	columns = append(columns, "load_run_id", "load_ts")
	args = append(args, rec.LoadRunID, rec.LoadTs)

	return columns, args
}
