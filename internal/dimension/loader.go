package dimension

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/carelake-io/carelake/internal/canonical"
	"github.com/carelake-io/carelake/internal/loaderr"
	"github.com/carelake-io/carelake/internal/scd2"
	"github.com/carelake-io/carelake/internal/staging"
	"github.com/carelake-io/carelake/internal/storage"
)

// Loader defaults.
const (
	// DefaultBatchSize is the staging rows per write transaction.
	DefaultBatchSize = 500

	// maxBatchRetries bounds retries of a batch that failed on a transient
	// database error (connection drop, serialization failure).
	maxBatchRetries = 3

	// retryBaseDelay is multiplied by the attempt number between retries.
	retryBaseDelay = time.Second
)

type (
	// LoadOptions controls one dimension load.
	LoadOptions struct {
		LoadRunID uuid.UUID

		// ExtractTs becomes effective_from of versions created by this load
		// and effective_to of versions it expires.
		ExtractTs time.Time

		BatchSize int
		Strategy  scd2.Strategy

		// DisableSCD2 turns UPDATED rows into in-place rewrites of the current
		// version instead of expire-and-insert. History stops accruing; the
		// current row always reflects the latest extract.
		DisableSCD2 bool

		// DryRun runs every batch inside a single transaction that is rolled
		// back at the end, so counters match what a real run would do.
		DryRun bool

		// ContinueOnError skips failed rows instead of aborting the load,
		// until the error budget is exhausted.
		ContinueOnError bool
		MaxErrors       int
		MaxErrorRate    float64

		// Progress, when set, is called after every batch.
		Progress func(dimType string, processed, total int64)
	}

	// LoadResult summarises one dimension load. Skipped counts rows that
	// produced no new version (identical rows and below-threshold changes);
	// rows that errored are counted only in Errors.
	LoadResult struct {
		DimensionType string              `json:"dimensionType"`
		RowsProcessed int64               `json:"rowsProcessed"`
		Created       int64               `json:"created"`
		Updated       int64               `json:"updated"`
		Expired       int64               `json:"expired"`
		Skipped       int64               `json:"skipped"`
		Warnings      []string            `json:"warnings,omitempty"`
		Errors        []loaderr.RowError  `json:"errors,omitempty"`
		DurationMs    int64               `json:"durationMs"`
		RowsPerSecond float64             `json:"rowsPerSecond"`
		HeapAllocMB   float64             `json:"heapAllocMb"`
	}

	// Loader applies staged dimension rows to core.<dim> tables as SCD2
	// history. One Loader serves all dimension types; per-type behaviour
	// comes entirely from the handler.
	Loader struct {
		conn   *storage.Connection
		reader *staging.Reader
		store  *Store
		clock  clockwork.Clock
		logger *slog.Logger
	}

	// batchCounts accumulates one batch's outcome; merged into the result
	// only after the batch commits, so a retried batch never double-counts.
	batchCounts struct {
		processed int64
		created   int64
		updated   int64
		expired   int64
		skipped   int64
		warnings  []string
		errors    []loaderr.RowError
	}
)

// NewLoader creates a dimension loader.
func NewLoader(conn *storage.Connection, logger *slog.Logger, clock clockwork.Clock) (*Loader, error) {
	reader, err := staging.NewReader(conn)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Loader{
		conn:   conn,
		reader: reader,
		store:  NewStore(),
		clock:  clock,
		logger: logger,
	}, nil
}

// Load merges all staged rows of one dimension type for a load run.
//
// The returned LoadResult is non-nil whenever any rows were attempted, even
// when Load also returns an error, so the orchestrator can persist partial
// counters for a failed run.
func (l *Loader) Load(ctx context.Context, h *Handler, opts LoadOptions) (*LoadResult, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.Strategy == "" {
		opts.Strategy = scd2.StrategyHash
	}

	if opts.ExtractTs.IsZero() {
		opts.ExtractTs = l.clock.Now().UTC()
	}

	classifier, err := scd2.NewClassifier(h.ComparisonRules, h.TrackedFields, h.ChangeThreshold, opts.Strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s classifier: %w", h.Type, err)
	}

	total, err := l.reader.CountRows(ctx, h.SourceTable, opts.LoadRunID)
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "dimension load starting",
		"dimension", h.Type,
		"loadRun", opts.LoadRunID,
		"rows", total,
		"dryRun", opts.DryRun,
	)

	started := l.clock.Now()
	budget := loaderr.NewBudget(opts.MaxErrors, opts.MaxErrorRate)
	result := &LoadResult{DimensionType: h.Type}

	if opts.DryRun {
		err = l.loadDryRun(ctx, h, classifier, opts, budget, total, result)
	} else {
		err = l.loadBatches(ctx, h, classifier, opts, budget, total, result)
	}

	l.finalise(result, started)

	if err != nil {
		l.logger.ErrorContext(ctx, "dimension load failed",
			"dimension", h.Type,
			"loadRun", opts.LoadRunID,
			"rowsProcessed", result.RowsProcessed,
			"error", err,
		)

		return result, err
	}

	l.logger.InfoContext(ctx, "dimension load completed",
		"dimension", h.Type,
		"loadRun", opts.LoadRunID,
		"created", result.Created,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"durationMs", result.DurationMs,
	)

	return result, nil
}

// loadBatches runs a transaction per batch, retrying batches that fail on
// transient database errors.
func (l *Loader) loadBatches(
	ctx context.Context,
	h *Handler,
	classifier *scd2.Classifier,
	opts LoadOptions,
	budget *loaderr.Budget,
	total int64,
	result *LoadResult,
) error {
	for offset := 0; ; offset += opts.BatchSize {
		rows, err := l.reader.FetchBatch(ctx, h.SourceTable, h.BusinessKeyFields, opts.LoadRunID, opts.BatchSize, offset)
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			return nil
		}

		counts, err := l.runBatchWithRetry(ctx, h, classifier, opts, rows)
		if err != nil {
			return err
		}

		l.merge(result, counts)

		budget.RecordRows(len(rows))

		for range counts.errors {
			budget.RecordError()
		}

		if err := budget.Check(); err != nil {
			return err
		}

		if opts.Progress != nil {
			opts.Progress(h.Type, result.RowsProcessed, total)
		}

		if len(rows) < opts.BatchSize {
			return nil
		}
	}
}

// runBatchWithRetry executes one batch in its own transaction. Transient
// failures roll back and retry the whole batch; because counters merge only
// on commit and the batch is re-read from immutable staging, a retry is a
// clean replay.
func (l *Loader) runBatchWithRetry(
	ctx context.Context,
	h *Handler,
	classifier *scd2.Classifier,
	opts LoadOptions,
	rows []staging.Row,
) (*batchCounts, error) {
	var lastErr error

	for attempt := 0; attempt <= maxBatchRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * retryBaseDelay

			l.logger.WarnContext(ctx, "retrying batch after transient error",
				"dimension", h.Type,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-l.clock.After(delay):
			}
		}

		counts, err := l.runBatch(ctx, h, classifier, opts, rows)
		if err == nil {
			return counts, nil
		}

		if !storage.IsRetryable(err) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("batch failed after %d retries: %w", maxBatchRetries, lastErr)
}

// runBatch processes one batch inside a fresh transaction.
func (l *Loader) runBatch(
	ctx context.Context,
	h *Handler,
	classifier *scd2.Classifier,
	opts LoadOptions,
	rows []staging.Row,
) (*batchCounts, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch transaction: %w", err)
	}

	counts := &batchCounts{}

	if err := l.processRows(ctx, tx, h, classifier, opts, rows, counts); err != nil {
		_ = tx.Rollback()

		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	return counts, nil
}

// loadDryRun processes every batch inside one transaction and rolls it back
// at the end. Within-run visibility matches a real run exactly, so the
// counters are the counters a real run would produce.
func (l *Loader) loadDryRun(
	ctx context.Context,
	h *Handler,
	classifier *scd2.Classifier,
	opts LoadOptions,
	budget *loaderr.Budget,
	total int64,
	result *LoadResult,
) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dry-run transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for offset := 0; ; offset += opts.BatchSize {
		rows, err := l.reader.FetchBatch(ctx, h.SourceTable, h.BusinessKeyFields, opts.LoadRunID, opts.BatchSize, offset)
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			return nil
		}

		counts := &batchCounts{}
		if err := l.processRows(ctx, tx, h, classifier, opts, rows, counts); err != nil {
			return err
		}

		l.merge(result, counts)

		budget.RecordRows(len(rows))

		for range counts.errors {
			budget.RecordError()
		}

		if err := budget.Check(); err != nil {
			return err
		}

		if opts.Progress != nil {
			opts.Progress(h.Type, result.RowsProcessed, total)
		}

		if len(rows) < opts.BatchSize {
			return nil
		}
	}
}

// processRows applies one batch of staging rows through the classifier.
// Rows that error are recorded in counts.errors only; Skipped is reserved for
// rows that were read cleanly but produced no new version.
func (l *Loader) processRows(
	ctx context.Context,
	q querier,
	h *Handler,
	classifier *scd2.Classifier,
	opts LoadOptions,
	rows []staging.Row,
	counts *batchCounts,
) error {
	nonSignificant := h.nonSignificantSet()

	for _, row := range rows {
		counts.processed++

		attrs, businessKey, rowErr := l.transformRow(h, row)
		if rowErr != nil {
			if !opts.ContinueOnError {
				return *rowErr
			}

			counts.errors = append(counts.errors, *rowErr)

			continue
		}

		// The lookup runs through the write transaction so a business key
		// repeated within this run sees the version the run just wrote.
		prior, err := l.store.LookupCurrent(ctx, q, h, businessKey, true)
		if err != nil {
			return err
		}

		var (
			priorAttrs map[string]any
			priorFp    string
		)

		if prior != nil {
			priorAttrs = prior.Attributes
			priorFp = prior.Fingerprint
		}

		change, err := classifier.Classify(priorAttrs, priorFp, attrs)
		if err != nil {
			if !opts.ContinueOnError {
				return err
			}

			counts.errors = append(counts.errors, loaderr.RowError{
				Kind:        loaderr.KindTransformationError,
				BusinessKey: businessKey,
				Message:     err.Error(),
			})

			continue
		}

		if err := l.applyChange(ctx, q, h, opts, prior, change, attrs, businessKey, nonSignificant, counts); err != nil {
			return err
		}
	}

	return nil
}

// applyChange writes one classified row.
func (l *Loader) applyChange(
	ctx context.Context,
	q querier,
	h *Handler,
	opts LoadOptions,
	prior *Version,
	change scd2.Change,
	attrs map[string]any,
	businessKey string,
	nonSignificant map[string]bool,
	counts *batchCounts,
) error {
	loadTs := l.clock.Now().UTC()

	switch change.Type {
	case scd2.ChangeNew:
		version := &Version{
			BusinessKey:   businessKey,
			Attributes:    attrs,
			Fingerprint:   change.Fingerprint,
			EffectiveFrom: opts.ExtractTs,
			IsCurrent:     true,
			LoadRunID:     opts.LoadRunID,
			LoadTs:        loadTs,
		}

		if _, err := l.store.InsertVersion(ctx, q, h, version); err != nil {
			return l.classifyWriteError(ctx, err, h, businessKey)
		}

		counts.created++

	case scd2.ChangeUpdated:
		if opts.DisableSCD2 {
			rewrite := make(map[string]any, len(change.AttributeChanges))

			for _, diff := range change.AttributeChanges {
				if _, mapped := attrs[diff.Field]; mapped {
					rewrite[diff.Field] = attrs[diff.Field]
				}
			}

			if err := l.store.UpdateInPlace(ctx, q, h, prior.SurrogateKey, rewrite, opts.LoadRunID, loadTs); err != nil {
				return err
			}

			counts.updated++

			return nil
		}

		if err := l.store.ExpireVersion(ctx, q, h, prior.SurrogateKey, opts.ExtractTs, opts.LoadRunID, loadTs); err != nil {
			return err
		}

		version := &Version{
			BusinessKey:   businessKey,
			Attributes:    attrs,
			Fingerprint:   change.Fingerprint,
			EffectiveFrom: opts.ExtractTs,
			IsCurrent:     true,
			LoadRunID:     opts.LoadRunID,
			LoadTs:        loadTs,
		}

		if _, err := l.store.InsertVersion(ctx, q, h, version); err != nil {
			return l.classifyWriteError(ctx, err, h, businessKey)
		}

		counts.expired++
		counts.updated++

	case scd2.ChangeNoChange:
		inPlace := make(map[string]any)

		for _, diff := range change.AttributeChanges {
			if nonSignificant[diff.Field] {
				inPlace[diff.Field] = attrs[diff.Field]
			}
		}

		if len(inPlace) > 0 {
			if err := l.store.UpdateInPlace(ctx, q, h, prior.SurrogateKey, inPlace, opts.LoadRunID, loadTs); err != nil {
				return err
			}
		}

		if len(change.AttributeChanges) > 0 {
			counts.warnings = append(counts.warnings, fmt.Sprintf(
				"%s %s: attribute changes below threshold (score %.2f), no version created",
				h.Type, businessKey, change.SignificanceScore))
		}

		counts.skipped++
	}

	return nil
}

// classifyWriteError upgrades a unique violation on a version insert to the
// SCD2 constraint taxonomy: the partial unique index on (business_key) WHERE
// is_current only fires when a business key would end up with more than one
// current version, which means history is corrupt. Always fatal to the merge.
func (l *Loader) classifyWriteError(ctx context.Context, err error, h *Handler, businessKey string) error {
	if !storage.IsUniqueViolation(err) {
		return err
	}

	rowErr := loaderr.RowError{
		Kind:        loaderr.KindSCD2ConstraintViolation,
		BusinessKey: businessKey,
		Message:     err.Error(),
	}

	l.logger.ErrorContext(ctx, "SCD2 current-version constraint violated",
		"dimension", h.Type,
		"businessKey", businessKey,
		"error", err,
	)

	return rowErr
}

// transformRow maps one staging row onto the handler's target fields: required
// checks, defaults, canonicalisation, then per-field transforms. Returns the
// attribute map and the canonical business key.
func (l *Loader) transformRow(h *Handler, row staging.Row) (map[string]any, string, *loaderr.RowError) {
	attrs := make(map[string]any, len(h.FieldMappings))

	for _, m := range h.FieldMappings {
		value, ok := row.Field(m.SourceField)
		if !ok {
			if m.Required {
				return nil, "", &loaderr.RowError{
					Kind:        loaderr.KindBusinessKeyMissing,
					BusinessKey: l.partialKey(h, row),
					Message:     fmt.Sprintf("required field %q is missing", m.SourceField),
				}
			}

			value = m.DefaultValue
		}

		canonicalValue := canonical.Normalize(value)
		if m.Transform != nil {
			canonicalValue = m.Transform(canonicalValue)
		}

		attrs[m.TargetField] = canonicalValue
	}

	return attrs, canonical.BusinessKey(attrs, h.BusinessKeyTargetFields()), nil
}

// partialKey builds a best-effort business key for error context from whatever
// key fields the bad row does have.
func (l *Loader) partialKey(h *Handler, row staging.Row) string {
	partial := make(map[string]any, len(h.BusinessKeyFields))

	for _, field := range h.BusinessKeyFields {
		if value, ok := row.Field(field); ok {
			partial[field] = canonical.Normalize(value)
		}
	}

	return canonical.BusinessKey(partial, h.BusinessKeyFields)
}

// merge folds a committed batch's counts into the load result.
func (l *Loader) merge(result *LoadResult, counts *batchCounts) {
	result.RowsProcessed += counts.processed
	result.Created += counts.created
	result.Updated += counts.updated
	result.Expired += counts.expired
	result.Skipped += counts.skipped
	result.Warnings = append(result.Warnings, counts.warnings...)
	result.Errors = append(result.Errors, counts.errors...)
}

// finalise stamps throughput and memory metrics on the result.
func (l *Loader) finalise(result *LoadResult, started time.Time) {
	elapsed := l.clock.Since(started)
	result.DurationMs = elapsed.Milliseconds()

	if seconds := elapsed.Seconds(); seconds > 0 {
		result.RowsPerSecond = float64(result.RowsProcessed) / seconds
	}

	var stats runtime.MemStats

	runtime.ReadMemStats(&stats)
	result.HeapAllocMB = float64(stats.HeapAlloc) / (1 << 20)
}
