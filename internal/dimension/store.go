package dimension

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelake-io/carelake/internal/canonical"
)

// ErrNoCurrentVersion is returned by lookups that require a current version.
var ErrNoCurrentVersion = errors.New("no current version for business key")

// querier is the subset of database/sql shared by *sql.DB, *sql.Tx and the
// storage connection. Reads that must see the loader's own uncommitted writes
// are passed the write transaction; point lookups for the resolver run on the
// pool.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes core.<dim> version rows. All SQL is generated from
// the static handler configuration; identifiers are validated at registry
// construction, never interpolated from data.
type Store struct{}

// NewStore creates a dimension version store.
func NewStore() *Store {
	return &Store{}
}

// versionColumns are the SCD2 bookkeeping columns every core dimension table
// carries alongside its attribute columns.
var versionColumns = []string{
	"business_key", "fingerprint", "effective_from", "effective_to",
	"is_current", "load_run_id", "load_ts",
}

// LookupCurrent fetches the current version for a business key, locking the
// row against concurrent expiry when run on a transaction. Returns nil when no
// current version exists.
func (s *Store) LookupCurrent(
	ctx context.Context,
	q querier,
	h *Handler,
	businessKey string,
	forUpdate bool,
) (*Version, error) {
	columns := s.selectColumns(h)

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE business_key = $1 AND is_current
	`, strings.Join(columns, ", "), h.TargetTable)

	if forUpdate {
		query += " FOR UPDATE"
	}

	row := q.QueryRowContext(ctx, query, businessKey)

	version, err := s.scanVersion(h, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to look up current %s version: %w", h.Type, err)
	}

	return version, nil
}

// InsertVersion inserts a new current version and returns its surrogate key.
func (s *Store) InsertVersion(ctx context.Context, q querier, h *Handler, v *Version) (int64, error) {
	attributeFields := s.attributeFields(h)

	columns := make([]string, 0, len(attributeFields)+len(versionColumns))
	args := make([]any, 0, cap(columns))

	for _, field := range attributeFields {
		columns = append(columns, canonical.SnakeCase(field))
		args = append(args, v.Attributes[field])
	}

	columns = append(columns, versionColumns...)
	args = append(args, v.BusinessKey, v.Fingerprint, v.EffectiveFrom, v.EffectiveTo,
		v.IsCurrent, v.LoadRunID, v.LoadTs)

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		RETURNING %s
	`, h.TargetTable, strings.Join(columns, ", "), strings.Join(placeholders, ", "), h.SurrogateKeyColumn)

	var surrogateKey int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&surrogateKey); err != nil {
		return 0, fmt.Errorf("failed to insert %s version: %w", h.Type, err)
	}

	return surrogateKey, nil
}

// ExpireVersion closes out a version: effective_to set, is_current cleared.
func (s *Store) ExpireVersion(
	ctx context.Context,
	q querier,
	h *Handler,
	surrogateKey int64,
	effectiveTo time.Time,
	loadRunID uuid.UUID,
	loadTs time.Time,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET effective_to = $1, is_current = FALSE, load_run_id = $2, load_ts = $3
		WHERE %s = $4 AND is_current
	`, h.TargetTable, h.SurrogateKeyColumn)

	result, err := q.ExecContext(ctx, query, effectiveTo, loadRunID, loadTs, surrogateKey)
	if err != nil {
		return fmt.Errorf("failed to expire %s version %d: %w", h.Type, surrogateKey, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read expiry result for %s: %w", h.Type, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s surrogate key %d", ErrNoCurrentVersion, h.Type, surrogateKey)
	}

	return nil
}

// UpdateInPlace rewrites non-significant fields on the current version without
// creating history, refreshing the lineage columns.
func (s *Store) UpdateInPlace(
	ctx context.Context,
	q querier,
	h *Handler,
	surrogateKey int64,
	fields map[string]any,
	loadRunID uuid.UUID,
	loadTs time.Time,
) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}

	sort.Strings(names)

	assignments := make([]string, 0, len(names)+2)
	args := make([]any, 0, len(names)+3)

	for _, field := range names {
		args = append(args, fields[field])
		assignments = append(assignments, fmt.Sprintf("%s = $%d", canonical.SnakeCase(field), len(args)))
	}

	args = append(args, loadRunID)
	assignments = append(assignments, fmt.Sprintf("load_run_id = $%d", len(args)))

	args = append(args, loadTs)
	assignments = append(assignments, fmt.Sprintf("load_ts = $%d", len(args)))

	args = append(args, surrogateKey)

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s
		WHERE %s = $%d AND is_current
	`, h.TargetTable, strings.Join(assignments, ", "), h.SurrogateKeyColumn, len(args))

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s version %d in place: %w", h.Type, surrogateKey, err)
	}

	return nil
}

// CurrentKeyByBusinessKey resolves a business key to the current surrogate
// key. Used by the fact loaders' resolver on cache miss.
func (s *Store) CurrentKeyByBusinessKey(
	ctx context.Context,
	q querier,
	h *Handler,
	businessKey string,
) (int64, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE business_key = $1 AND is_current
	`, h.SurrogateKeyColumn, h.TargetTable)

	var surrogateKey int64

	err := q.QueryRowContext(ctx, query, businessKey).Scan(&surrogateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s %q", ErrNoCurrentVersion, h.Type, businessKey)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s key: %w", h.Type, err)
	}

	return surrogateKey, nil
}

// ScanCurrentKeys streams every (business key, surrogate key) pair of current
// versions. Used to preload the resolver cache before fact loads.
func (s *Store) ScanCurrentKeys(
	ctx context.Context,
	q querier,
	h *Handler,
	visit func(businessKey string, surrogateKey int64) error,
) error {
	query := fmt.Sprintf(`
		SELECT business_key, %s
		FROM %s
		WHERE is_current
	`, h.SurrogateKeyColumn, h.TargetTable)

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to scan current %s keys: %w", h.Type, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			businessKey  string
			surrogateKey int64
		)

		if err := rows.Scan(&businessKey, &surrogateKey); err != nil {
			return fmt.Errorf("failed to scan %s key row: %w", h.Type, err)
		}

		if err := visit(businessKey, surrogateKey); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate %s key rows: %w", h.Type, err)
	}

	return nil
}

// CountCurrent returns the number of current versions, for resolver capacity
// checks before a preload.
func (s *Store) CountCurrent(ctx context.Context, q querier, h *Handler) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_current`, h.TargetTable)

	var count int64
	if err := q.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count current %s versions: %w", h.Type, err)
	}

	return count, nil
}

// selectColumns lists the columns LookupCurrent reads, surrogate key first,
// then attributes in mapping order, then the bookkeeping columns.
func (s *Store) selectColumns(h *Handler) []string {
	fields := s.attributeFields(h)

	columns := make([]string, 0, len(fields)+len(versionColumns)+1)
	columns = append(columns, h.SurrogateKeyColumn)

	for _, field := range fields {
		columns = append(columns, canonical.SnakeCase(field))
	}

	return append(columns, versionColumns...)
}

// attributeFields lists the mapped target fields in mapping order.
func (s *Store) attributeFields(h *Handler) []string {
	fields := make([]string, len(h.FieldMappings))
	for i, m := range h.FieldMappings {
		fields[i] = m.TargetField
	}

	return fields
}

// scanVersion reads one LookupCurrent row back into a Version.
func (s *Store) scanVersion(h *Handler, row *sql.Row) (*Version, error) {
	fields := s.attributeFields(h)

	var (
		version     Version
		values      = make([]any, len(fields))
		pointers    = make([]any, 0, len(fields)+len(versionColumns)+1)
		effectiveTo sql.NullTime
	)

	pointers = append(pointers, &version.SurrogateKey)

	for i := range values {
		pointers = append(pointers, &values[i])
	}

	pointers = append(pointers,
		&version.BusinessKey, &version.Fingerprint, &version.EffectiveFrom,
		&effectiveTo, &version.IsCurrent, &version.LoadRunID, &version.LoadTs)

	if err := row.Scan(pointers...); err != nil {
		return nil, err
	}

	if effectiveTo.Valid {
		version.EffectiveTo = &effectiveTo.Time
	}

	version.Attributes = make(map[string]any, len(fields))
	for i, field := range fields {
		version.Attributes[field] = scanValue(values[i])
	}

	return &version, nil
}

// scanValue maps driver values back to the kinds the classifier compares.
func scanValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}
