package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/carelake-io/carelake/internal/storage"
)

// ErrLoadRunNotFound is returned when no etl.load_runs row exists for the
// requested identifier.
var ErrLoadRunNotFound = errors.New("load run not found")

// RunService resolves load-run descriptors from the etl schema. It is the
// merger's only view of the upstream ingest pipeline.
type RunService struct {
	conn *storage.Connection
}

// NewRunService creates a read-only load-run lookup service.
func NewRunService(conn *storage.Connection) (*RunService, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &RunService{conn: conn}, nil
}

// GetLoadRun fetches the descriptor for one load run.
// Returns ErrLoadRunNotFound (wrapped) when the identifier is unknown.
func (s *RunService) GetLoadRun(ctx context.Context, loadRunID uuid.UUID) (*LoadRun, error) {
	query := `
		SELECT id, status, extract_ts, started_at, completed_at, file_count, row_count
		FROM etl.load_runs
		WHERE id = $1
	`

	var (
		run         LoadRun
		status      string
		completedAt sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, query, loadRunID).Scan(
		&run.ID, &status, &run.ExtractTs, &run.StartedAt, &completedAt,
		&run.FileCount, &run.RowCount,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLoadRunNotFound, loadRunID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch load run %s: %w", loadRunID, err)
	}

	run.Status = LoadRunStatus(status)

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}
