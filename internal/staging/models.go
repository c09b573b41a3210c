// Package staging exposes the read-only surface of the staging subsystem: the
// load-run audit descriptor and the typed staging rows the core merger
// consumes. The merger never writes to stg.* or etl.load_runs.
package staging

import (
	"time"

	"github.com/google/uuid"
)

type (
	// LoadRunStatus is the lifecycle state of an upstream ingest run.
	LoadRunStatus string

	// LoadRun describes one upstream ingest of extract files. It is consumed
	// read-only; every core output row references its ID as lineage.
	LoadRun struct {
		ID          uuid.UUID
		Status      LoadRunStatus
		ExtractTs   time.Time
		StartedAt   time.Time
		CompletedAt *time.Time
		FileCount   int
		RowCount    int64
	}

	// Row is one staging record as an opaque mapping keyed by field name.
	//
	// Field names are camelCase; the reader converts snake_case staging
	// columns on the way in, and loaders convert back on the way out, so the
	// round-trip stays consistent (one casing function each way).
	Row map[string]any
)

// Load run lifecycle states as stored in etl.load_runs.status.
const (
	LoadRunRunning   LoadRunStatus = "running"
	LoadRunCompleted LoadRunStatus = "completed"
	LoadRunFailed    LoadRunStatus = "failed"
	LoadRunCancelled LoadRunStatus = "cancelled"
)

// Field returns the named field's value and whether it is present and non-nil.
func (r Row) Field(name string) (any, bool) {
	value, ok := r[name]
	if !ok || value == nil {
		return nil, false
	}

	return value, true
}
