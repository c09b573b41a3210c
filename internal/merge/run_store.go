// Package merge orchestrates a core merge run: dimensions in dependency
// order, resolver preload, then facts, with per-extract idempotency recorded
// in etl.core_merge_runs.
package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelake-io/carelake/internal/storage"
)

// Merge run lifecycle states as stored in etl.core_merge_runs.status.
const (
	runStatusRunning    = "running"
	runStatusCompleted  = "completed"
	runStatusFailed     = "failed"
	runStatusSuperseded = "superseded"
)

// ErrMergeRunNotFound is returned when finalising a run row that does not
// exist.
var ErrMergeRunNotFound = errors.New("merge run not found")

// RunStore persists the merge audit trail. One row per (load run, extract
// type) attempt, dry runs included; the partial unique index on
// (load_run_id, extract_type) WHERE status = 'completed' AND NOT dry_run is
// what makes re-merging idempotent under concurrency: two racing merges can
// both insert running rows, but only one can complete.
type RunStore struct {
	conn *storage.Connection
}

// NewRunStore creates a merge run store.
func NewRunStore(conn *storage.Connection) (*RunStore, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &RunStore{conn: conn}, nil
}

// CompletedResult returns the stored result counters of the completed merge
// for the (load run, extract type) pair, or nil when none exists. Re-merging
// without force returns these instead of touching the core tables. Dry-run
// attempts are audited but never count as the completed merge.
func (s *RunStore) CompletedResult(ctx context.Context, loadRunID uuid.UUID, extractType string) ([]byte, error) {
	query := `
		SELECT result
		FROM etl.core_merge_runs
		WHERE load_run_id = $1 AND extract_type = $2 AND status = $3 AND NOT dry_run
	`

	var payload []byte

	err := s.conn.QueryRowContext(ctx, query, loadRunID, extractType, runStatusCompleted).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read cached merge result for %s: %w", extractType, err)
	}

	return payload, nil
}

// Supersede retires the completed merge record for the (load run, extract
// type) pair so a forced re-merge can complete under the partial unique
// index. The retired row stays in the audit trail.
func (s *RunStore) Supersede(ctx context.Context, loadRunID uuid.UUID, extractType string) error {
	query := `
		UPDATE etl.core_merge_runs
		SET status = $1
		WHERE load_run_id = $2 AND extract_type = $3 AND status = $4 AND NOT dry_run
	`

	if _, err := s.conn.ExecContext(ctx, query, runStatusSuperseded, loadRunID, extractType, runStatusCompleted); err != nil {
		return fmt.Errorf("failed to supersede merge run for %s: %w", extractType, err)
	}

	return nil
}

// Begin records a running merge attempt and returns its ID.
func (s *RunStore) Begin(ctx context.Context, loadRunID uuid.UUID, extractType string, dryRun bool) (uuid.UUID, error) {
	query := `
		INSERT INTO etl.core_merge_runs (id, load_run_id, extract_type, status, dry_run, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	id := uuid.New()

	if _, err := s.conn.ExecContext(ctx, query, id, loadRunID, extractType, runStatusRunning, dryRun, time.Now().UTC()); err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin merge run for %s: %w", extractType, err)
	}

	return id, nil
}

// Complete marks a merge attempt completed, attaching the loader's result
// counters as JSON. A unique violation here means another merge completed the
// same (load run, extract type) first; the caller treats that as already done.
func (s *RunStore) Complete(ctx context.Context, runID uuid.UUID, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize merge result: %w", err)
	}

	query := `
		UPDATE etl.core_merge_runs
		SET status = $1, completed_at = $2, result = $3
		WHERE id = $4 AND status = $5
	`

	return s.finalise(ctx, query, runStatusCompleted, time.Now().UTC(), payload, runID, runStatusRunning)
}

// Fail marks a merge attempt failed with its error message, attaching any
// partial counters.
func (s *RunStore) Fail(ctx context.Context, runID uuid.UUID, cause error, result any) error {
	var payload []byte

	if result != nil {
		payload, _ = json.Marshal(result)
	}

	query := `
		UPDATE etl.core_merge_runs
		SET status = $1, completed_at = $2, error = $3, result = $4
		WHERE id = $5 AND status = $6
	`

	message := ""
	if cause != nil {
		message = cause.Error()
	}

	return s.finalise(ctx, query, runStatusFailed, time.Now().UTC(), message, nullableJSON(payload), runID, runStatusRunning)
}

func (s *RunStore) finalise(ctx context.Context, query string, args ...any) error {
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finalise merge run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read merge run update result: %w", err)
	}

	if affected == 0 {
		return ErrMergeRunNotFound
	}

	return nil
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(payload []byte) any {
	if len(payload) == 0 {
		return sql.NullString{}
	}

	return payload
}
