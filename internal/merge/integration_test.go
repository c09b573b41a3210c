package merge

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/carelake-io/carelake/internal/dimension"
	"github.com/carelake-io/carelake/internal/fact"
	"github.com/carelake-io/carelake/internal/resolver"
	"github.com/carelake-io/carelake/internal/staging"
	"github.com/carelake-io/carelake/internal/storage"
)

// testSchema is the minimal warehouse subset the merge scenarios exercise:
// the etl bookkeeping tables, staging and core for the practice and patient
// dimensions, and the appointment fact.
const testSchema = `
CREATE SCHEMA etl;
CREATE SCHEMA stg;
CREATE SCHEMA core;

CREATE TABLE etl.load_runs (
	id           UUID PRIMARY KEY,
	status       TEXT NOT NULL,
	extract_ts   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	file_count   INT NOT NULL DEFAULT 0,
	row_count    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE etl.load_run_files (
	id          BIGSERIAL PRIMARY KEY,
	load_run_id UUID NOT NULL REFERENCES etl.load_runs (id)
);

CREATE TABLE etl.core_merge_runs (
	id           UUID PRIMARY KEY,
	load_run_id  UUID NOT NULL,
	extract_type TEXT NOT NULL,
	status       TEXT NOT NULL,
	dry_run      BOOLEAN NOT NULL DEFAULT FALSE,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	result       JSONB,
	error        TEXT
);

CREATE UNIQUE INDEX core_merge_runs_completed
	ON etl.core_merge_runs (load_run_id, extract_type)
	WHERE status = 'completed' AND NOT dry_run;

CREATE TABLE stg.practice (
	load_run_file_id BIGINT NOT NULL REFERENCES etl.load_run_files (id),
	practice_id   TEXT,
	per_org_id    TEXT,
	practice_name TEXT,
	hpio_number   TEXT,
	address_line1 TEXT,
	suburb        TEXT,
	state         TEXT,
	postcode      TEXT,
	phone_number  TEXT,
	email         TEXT,
	timezone      TEXT
);

CREATE TABLE stg.patient (
	load_run_file_id BIGINT NOT NULL REFERENCES etl.load_run_files (id),
	patient_id      TEXT,
	practice_id     TEXT,
	per_org_id      TEXT,
	first_name      TEXT,
	family_name     TEXT,
	dob             TEXT,
	gender          TEXT,
	medicare_number TEXT,
	atsi_status     TEXT,
	deceased        BOOLEAN,
	email           TEXT,
	phone_number    TEXT,
	address_line1   TEXT,
	suburb          TEXT,
	postcode        TEXT
);

CREATE TABLE stg.appointment (
	load_run_file_id BIGINT NOT NULL REFERENCES etl.load_run_files (id),
	appointment_id   TEXT,
	per_org_id       TEXT,
	appointment_date TEXT,
	start_time       TEXT,
	duration_minutes NUMERIC,
	appointment_type TEXT,
	status           TEXT,
	patient_id       TEXT,
	practice_id      TEXT,
	provider_id      TEXT
);

CREATE TABLE core.practice (
	practice_key  BIGSERIAL PRIMARY KEY,
	practice_id   TEXT,
	per_org_id    TEXT,
	practice_name TEXT,
	hpio_number   TEXT,
	address_line1 TEXT,
	suburb        TEXT,
	state         TEXT,
	postcode      TEXT,
	phone_number  TEXT,
	email         TEXT,
	timezone      TEXT,
	business_key  TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to   TIMESTAMPTZ,
	is_current     BOOLEAN NOT NULL,
	load_run_id    UUID NOT NULL,
	load_ts        TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX practice_current ON core.practice (business_key) WHERE is_current;

CREATE TABLE core.patient (
	patient_key     BIGSERIAL PRIMARY KEY,
	patient_id      TEXT,
	practice_id     TEXT,
	per_org_id      TEXT,
	first_name      TEXT,
	family_name     TEXT,
	dob             TEXT,
	gender          TEXT,
	medicare_number TEXT,
	atsi_status     TEXT,
	deceased        BOOLEAN,
	email           TEXT,
	phone_number    TEXT,
	address_line1   TEXT,
	suburb          TEXT,
	postcode        TEXT,
	business_key    TEXT NOT NULL,
	fingerprint     TEXT NOT NULL,
	effective_from  TIMESTAMPTZ NOT NULL,
	effective_to    TIMESTAMPTZ,
	is_current      BOOLEAN NOT NULL,
	load_run_id     UUID NOT NULL,
	load_ts         TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX patient_current ON core.patient (business_key) WHERE is_current;

CREATE TABLE core.provider (
	provider_key BIGSERIAL PRIMARY KEY,
	business_key TEXT NOT NULL,
	is_current   BOOLEAN NOT NULL
);

CREATE TABLE core.fact_appointment (
	appointment_id   TEXT NOT NULL,
	per_org_id       TEXT NOT NULL,
	appointment_date TEXT,
	start_time       TEXT,
	duration_minutes NUMERIC,
	appointment_type TEXT,
	status           TEXT,
	patient_key      BIGINT NOT NULL,
	practice_key     BIGINT NOT NULL,
	provider_key     BIGINT,
	load_run_id      UUID NOT NULL,
	load_ts          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (appointment_id, per_org_id)
);
`

type integrationEnv struct {
	db   *sql.DB
	conn *storage.Connection
	orch *Orchestrator
}

func setupIntegration(ctx context.Context, t *testing.T) *integrationEnv {
	t.Helper()

	pgContainer, err := postgrescontainer.Run(ctx,
		"postgres:15-alpine",
		postgrescontainer.WithDatabase("carelake"),
		postgrescontainer.WithUsername("testuser"),
		postgrescontainer.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")

	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, testSchema)
	require.NoError(t, err, "failed to create test schema")

	storageConfig := storage.NewConfig(connStr)

	conn, err := storage.NewConnection(storageConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	dims, err := dimension.NewRegistry()
	require.NoError(t, err)

	facts, err := fact.NewRegistry()
	require.NoError(t, err)

	runs, err := staging.NewRunService(conn)
	require.NoError(t, err)

	source, err := resolver.NewDimensionSource(conn, dims)
	require.NoError(t, err)

	keys := resolver.New(source, logger, resolver.Options{})

	dimLoader, err := dimension.NewLoader(conn, logger, nil)
	require.NoError(t, err)

	factLoader, err := fact.NewLoader(conn, keys, logger, nil)
	require.NoError(t, err)

	recorder, err := NewRunStore(conn)
	require.NoError(t, err)

	cfg := &Config{
		DimensionBatchSize: 500,
		FactBatchSize:      1000,
		EnableSCD2:         true,
		EnableFKValidation: true,
		DimensionTimeout:   time.Minute,
		ContinueOnError:    true,
		MaxErrors:          1000,
		MaxErrorRate:       0.05,
	}

	orch := NewOrchestrator(cfg, conn, runs, dims, facts,
		dimLoader, factLoader, recorder, keys, nil, logger, nil)

	return &integrationEnv{db: db, conn: conn, orch: orch}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

// newLoadRun seeds a completed load run and returns its ID plus the file ID
// staging rows attach to.
func (e *integrationEnv) newLoadRun(ctx context.Context, t *testing.T, extractTs time.Time) (uuid.UUID, int64) {
	t.Helper()

	loadRunID := uuid.New()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO etl.load_runs (id, status, extract_ts, started_at, completed_at)
		VALUES ($1, 'completed', $2, $2, $2)
	`, loadRunID, extractTs)
	require.NoError(t, err)

	var fileID int64
	require.NoError(t, e.db.QueryRowContext(ctx, `
		INSERT INTO etl.load_run_files (load_run_id) VALUES ($1) RETURNING id
	`, loadRunID).Scan(&fileID))

	return loadRunID, fileID
}

func (e *integrationEnv) stagePractice(ctx context.Context, t *testing.T, fileID int64, practiceID string) {
	t.Helper()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO stg.practice (load_run_file_id, practice_id, per_org_id, practice_name, state, postcode)
		VALUES ($1, $2, 'ORG1', 'Sunrise Family Practice', 'nsw', '2000')
	`, fileID, practiceID)
	require.NoError(t, err)
}

func (e *integrationEnv) stagePatient(
	ctx context.Context,
	t *testing.T,
	fileID int64,
	patientID, familyName, email string,
) {
	t.Helper()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO stg.patient (load_run_file_id, patient_id, practice_id, per_org_id,
			first_name, family_name, dob, gender, email)
		VALUES ($1, $2, 'PR1', 'ORG1', 'John', $3, '1990-01-01', 'M', $4)
	`, fileID, patientID, familyName, email)
	require.NoError(t, err)
}

func (e *integrationEnv) stageAppointment(
	ctx context.Context,
	t *testing.T,
	fileID int64,
	appointmentID, patientID, status string,
) {
	t.Helper()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO stg.appointment (load_run_file_id, appointment_id, per_org_id,
			appointment_date, status, patient_id, practice_id)
		VALUES ($1, $2, 'ORG1', '2026-03-01', $3, $4, 'PR1')
	`, fileID, appointmentID, status, patientID)
	require.NoError(t, err)
}

func (e *integrationEnv) count(ctx context.Context, t *testing.T, query string, args ...any) int {
	t.Helper()

	var n int
	require.NoError(t, e.db.QueryRowContext(ctx, query, args...).Scan(&n))

	return n
}

var mergeExtracts = []string{"practices", "patients", "appointments"}

func TestMergeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	env := setupIntegration(ctx, t)

	extractTs1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	run1, file1 := env.newLoadRun(ctx, t, extractTs1)

	env.stagePractice(ctx, t, file1, "PR1")
	env.stagePatient(ctx, t, file1, "P1", "Doe", "john@old.example")
	env.stagePatient(ctx, t, file1, "P2", "Citizen", "jane@old.example")
	env.stageAppointment(ctx, t, file1, "A1", "P1", "booked")

	t.Run("initial load creates current versions", func(t *testing.T) {
		result, err := env.orch.Merge(ctx, Options{LoadRunID: run1, ExtractTypes: mergeExtracts})
		require.NoError(t, err)

		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, int64(1), result.Dimensions[dimension.TypePractice].Created)
		assert.Equal(t, int64(2), result.Dimensions[dimension.TypePatient].Created)
		assert.Equal(t, int64(1), result.Facts[fact.TypeAppointment].Inserted)

		assert.Equal(t, 2, env.count(ctx, t, `SELECT COUNT(*) FROM core.patient WHERE is_current`))

		// The fact row carries resolved surrogate keys and a NULL provider.
		var providerKey sql.NullInt64
		require.NoError(t, env.db.QueryRowContext(ctx, `
			SELECT provider_key FROM core.fact_appointment WHERE appointment_id = 'a1'
		`).Scan(&providerKey))
		assert.False(t, providerKey.Valid)
	})

	t.Run("re-merge without force returns cached result", func(t *testing.T) {
		result, err := env.orch.Merge(ctx, Options{LoadRunID: run1, ExtractTypes: mergeExtracts})
		require.NoError(t, err)

		// Same counters, no new core rows, no new audit rows.
		assert.Equal(t, int64(2), result.Dimensions[dimension.TypePatient].Created)
		assert.Equal(t, 2, env.count(ctx, t, `SELECT COUNT(*) FROM core.patient`))
		assert.Equal(t, 3, env.count(ctx, t, `SELECT COUNT(*) FROM etl.core_merge_runs`))
	})

	extractTs2 := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	run2, file2 := env.newLoadRun(ctx, t, extractTs2)

	env.stagePractice(ctx, t, file2, "PR1")
	// P1: significant change (family name). P2: never-version change (email).
	env.stagePatient(ctx, t, file2, "P1", "Smith", "john@old.example")
	env.stagePatient(ctx, t, file2, "P2", "Citizen", "jane@new.example")
	// A1 re-sent with a new status: upsert must replace, not duplicate.
	env.stageAppointment(ctx, t, file2, "A1", "P1", "completed")

	t.Run("significant change versions, never-version updates in place", func(t *testing.T) {
		result, err := env.orch.Merge(ctx, Options{LoadRunID: run2, ExtractTypes: mergeExtracts})
		require.NoError(t, err)

		patients := result.Dimensions[dimension.TypePatient]
		assert.Equal(t, int64(0), patients.Created)
		assert.Equal(t, int64(1), patients.Updated)
		assert.Equal(t, int64(1), patients.Skipped)
		require.Len(t, patients.Warnings, 1)
		assert.Contains(t, patients.Warnings[0], "no version created")

		// P1 has history: expired Doe, current Smith, ranges meeting at the
		// second extract timestamp.
		rows, err := env.db.QueryContext(ctx, `
			SELECT family_name, is_current, effective_from, effective_to
			FROM core.patient
			WHERE patient_id = 'p1'
			ORDER BY effective_from
		`)
		require.NoError(t, err)
		defer func() { _ = rows.Close() }()

		type version struct {
			familyName    string
			isCurrent     bool
			effectiveFrom time.Time
			effectiveTo   sql.NullTime
		}

		var versions []version
		for rows.Next() {
			var v version
			require.NoError(t, rows.Scan(&v.familyName, &v.isCurrent, &v.effectiveFrom, &v.effectiveTo))
			versions = append(versions, v)
		}
		require.NoError(t, rows.Err())
		require.Len(t, versions, 2)

		assert.Equal(t, "doe", versions[0].familyName)
		assert.False(t, versions[0].isCurrent)
		require.True(t, versions[0].effectiveTo.Valid)
		assert.True(t, versions[0].effectiveTo.Time.Equal(extractTs2))

		assert.Equal(t, "smith", versions[1].familyName)
		assert.True(t, versions[1].isCurrent)
		assert.True(t, versions[1].effectiveFrom.Equal(extractTs2))
		assert.False(t, versions[1].effectiveTo.Valid)

		// P2 stayed one row with the new email written in place.
		var email string
		require.NoError(t, env.db.QueryRowContext(ctx, `
			SELECT email FROM core.patient WHERE patient_id = 'p2' AND is_current
		`).Scan(&email))
		assert.Equal(t, "jane@new.example", email)
		assert.Equal(t, 1, env.count(ctx, t, `SELECT COUNT(*) FROM core.patient WHERE patient_id = 'p2'`))

		// The appointment upserted onto its natural key.
		facts := result.Facts[fact.TypeAppointment]
		assert.Equal(t, int64(0), facts.Inserted)
		assert.Equal(t, int64(1), facts.Updated)
		assert.Equal(t, 1, env.count(ctx, t, `SELECT COUNT(*) FROM core.fact_appointment`))

		var status string
		require.NoError(t, env.db.QueryRowContext(ctx, `
			SELECT status FROM core.fact_appointment WHERE appointment_id = 'a1'
		`).Scan(&status))
		assert.Equal(t, "completed", status)
	})

	t.Run("every business key has exactly one current version", func(t *testing.T) {
		violations := env.count(ctx, t, `
			SELECT COUNT(*) FROM (
				SELECT business_key FROM core.patient
				GROUP BY business_key
				HAVING COUNT(*) FILTER (WHERE is_current) <> 1
			) bad
		`)
		assert.Zero(t, violations)
	})

	extractTs3 := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	run3, file3 := env.newLoadRun(ctx, t, extractTs3)

	env.stagePractice(ctx, t, file3, "PR1")
	env.stagePatient(ctx, t, file3, "P3", "New", "p3@example")
	// A2 references a patient that never staged: required FK, skip strategy.
	env.stageAppointment(ctx, t, file3, "A2", "GHOST", "booked")

	t.Run("missing required key skips the row and counts the miss", func(t *testing.T) {
		result, err := env.orch.Merge(ctx, Options{LoadRunID: run3, ExtractTypes: mergeExtracts})
		require.NoError(t, err)

		facts := result.Facts[fact.TypeAppointment]
		assert.Equal(t, int64(1), facts.RowsProcessed)
		assert.Equal(t, int64(0), facts.Inserted)
		assert.Equal(t, int64(1), facts.Skipped)
		assert.Equal(t, int64(1), facts.MissingKeys[dimension.TypePatient])
		assert.Empty(t, facts.Errors)
		assert.Zero(t, env.count(ctx, t, `SELECT COUNT(*) FROM core.fact_appointment WHERE appointment_id = 'a2'`))
	})

	extractTs4 := time.Date(2026, 3, 22, 0, 0, 0, 0, time.UTC)
	run4, file4 := env.newLoadRun(ctx, t, extractTs4)

	env.stagePractice(ctx, t, file4, "PR1")
	env.stagePatient(ctx, t, file4, "P1", "Jones", "john@old.example")

	t.Run("dry run audits the attempt without writing core rows", func(t *testing.T) {
		before := env.count(ctx, t, `SELECT COUNT(*) FROM core.patient`)
		auditBefore := env.count(ctx, t, `SELECT COUNT(*) FROM etl.core_merge_runs`)

		result, err := env.orch.Merge(ctx, Options{
			LoadRunID:    run4,
			ExtractTypes: []string{"practices", "patients"},
			DryRun:       true,
		})
		require.NoError(t, err)

		assert.True(t, result.DryRun)
		assert.Equal(t, int64(1), result.Dimensions[dimension.TypePatient].Updated)

		// Core stays untouched; the audit trail records both extract
		// attempts flagged as dry runs.
		assert.Equal(t, before, env.count(ctx, t, `SELECT COUNT(*) FROM core.patient`))
		assert.Equal(t, auditBefore+2, env.count(ctx, t, `SELECT COUNT(*) FROM etl.core_merge_runs`))
		assert.Equal(t, 2, env.count(ctx, t, `
			SELECT COUNT(*) FROM etl.core_merge_runs
			WHERE load_run_id = $1 AND dry_run AND status = 'completed'
		`, run4))

		// A dry run never counts as the completed merge: a real merge of the
		// same load run still runs and writes.
		wet, err := env.orch.Merge(ctx, Options{
			LoadRunID:    run4,
			ExtractTypes: []string{"practices", "patients"},
		})
		require.NoError(t, err)

		assert.False(t, wet.DryRun)
		assert.Equal(t, int64(1), wet.Dimensions[dimension.TypePatient].Updated)
		assert.Equal(t, before+1, env.count(ctx, t, `SELECT COUNT(*) FROM core.patient`))
	})

	t.Run("force re-merges a completed extract idempotently", func(t *testing.T) {
		before := env.count(ctx, t, `SELECT COUNT(*) FROM core.patient`)

		result, err := env.orch.Merge(ctx, Options{
			LoadRunID:    run4,
			ExtractTypes: []string{"practices", "patients"},
			Force:        true,
		})
		require.NoError(t, err)

		// Re-merging the same staging content converges: no new versions.
		patients := result.Dimensions[dimension.TypePatient]
		assert.Equal(t, int64(0), patients.Created)
		assert.Equal(t, int64(0), patients.Updated)
		assert.Equal(t, before, env.count(ctx, t, `SELECT COUNT(*) FROM core.patient`))
	})
}
