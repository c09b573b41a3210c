package fact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/carelake-io/carelake/internal/canonical"
	"github.com/carelake-io/carelake/internal/loaderr"
	"github.com/carelake-io/carelake/internal/resolver"
	"github.com/carelake-io/carelake/internal/staging"
	"github.com/carelake-io/carelake/internal/storage"
)

// Loader defaults, matching the dimension side.
const (
	DefaultBatchSize = 1000

	maxBatchRetries = 3
	retryBaseDelay  = time.Second
)

type (
	// KeyResolver is the dimension-key lookup the loader depends on; the
	// production implementation is resolver.Resolver.
	KeyResolver interface {
		Resolve(ctx context.Context, dimType, businessKey string) (int64, error)
	}

	// LoadOptions controls one fact load.
	LoadOptions struct {
		LoadRunID uuid.UUID
		BatchSize int

		// DryRun runs every batch inside a single transaction rolled back at
		// the end.
		DryRun bool

		// DisableFKValidation loads rows with NULL keys instead of applying
		// the handler's missing-key strategy. Misses are still counted.
		DisableFKValidation bool

		ContinueOnError bool
		MaxErrors       int
		MaxErrorRate    float64

		Progress func(factType string, processed, total int64)
	}

	// LoadResult summarises one fact load.
	LoadResult struct {
		FactType      string             `json:"factType"`
		RowsProcessed int64              `json:"rowsProcessed"`
		Inserted      int64              `json:"inserted"`
		Updated       int64              `json:"updated"`
		Skipped       int64              `json:"skipped"`
		MissingKeys   map[string]int64   `json:"missingKeys,omitempty"`
		Errors        []loaderr.RowError `json:"errors,omitempty"`
		DurationMs    int64              `json:"durationMs"`
		RowsPerSecond float64            `json:"rowsPerSecond"`
	}

	// Loader applies staged fact rows to core.fact_* tables with resolved
	// dimension keys. One Loader serves all fact types.
	Loader struct {
		conn     *storage.Connection
		reader   *staging.Reader
		store    *Store
		resolver KeyResolver
		clock    clockwork.Clock
		logger   *slog.Logger
	}

	batchCounts struct {
		processed   int64
		inserted    int64
		updated     int64
		skipped     int64
		missingKeys map[string]int64
		errors      []loaderr.RowError
	}
)

// NewLoader creates a fact loader.
func NewLoader(conn *storage.Connection, keys KeyResolver, logger *slog.Logger, clock clockwork.Clock) (*Loader, error) {
	reader, err := staging.NewReader(conn)
	if err != nil {
		return nil, err
	}

	if keys == nil {
		return nil, errors.New("fact loader requires a key resolver")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Loader{
		conn:     conn,
		reader:   reader,
		store:    NewStore(),
		resolver: keys,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Load merges all staged rows of one fact type for a load run.
//
// The returned LoadResult is non-nil whenever rows were attempted, even when
// Load also returns an error.
func (l *Loader) Load(ctx context.Context, h *Handler, opts LoadOptions) (*LoadResult, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	total, err := l.reader.CountRows(ctx, h.SourceTable, opts.LoadRunID)
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "fact load starting",
		"fact", h.Type,
		"loadRun", opts.LoadRunID,
		"rows", total,
		"dryRun", opts.DryRun,
	)

	started := l.clock.Now()
	budget := loaderr.NewBudget(opts.MaxErrors, opts.MaxErrorRate)
	result := &LoadResult{FactType: h.Type, MissingKeys: map[string]int64{}}

	if opts.DryRun {
		err = l.loadDryRun(ctx, h, opts, budget, total, result)
	} else {
		err = l.loadBatches(ctx, h, opts, budget, total, result)
	}

	l.finalise(result, started)

	if err != nil {
		l.logger.ErrorContext(ctx, "fact load failed",
			"fact", h.Type,
			"loadRun", opts.LoadRunID,
			"rowsProcessed", result.RowsProcessed,
			"error", err,
		)

		return result, err
	}

	l.logger.InfoContext(ctx, "fact load completed",
		"fact", h.Type,
		"loadRun", opts.LoadRunID,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"durationMs", result.DurationMs,
	)

	return result, nil
}

func (l *Loader) loadBatches(
	ctx context.Context,
	h *Handler,
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

		counts, err := l.runBatchWithRetry(ctx, h, opts, rows)
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

func (l *Loader) runBatchWithRetry(
	ctx context.Context,
	h *Handler,
	opts LoadOptions,
	rows []staging.Row,
) (*batchCounts, error) {
	var lastErr error

	for attempt := 0; attempt <= maxBatchRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * retryBaseDelay

			l.logger.WarnContext(ctx, "retrying fact batch after transient error",
				"fact", h.Type,
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

		counts, err := l.runBatch(ctx, h, opts, rows)
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

func (l *Loader) runBatch(ctx context.Context, h *Handler, opts LoadOptions, rows []staging.Row) (*batchCounts, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch transaction: %w", err)
	}

	counts := &batchCounts{missingKeys: map[string]int64{}}

	if err := l.processRows(ctx, tx, h, opts, rows, counts); err != nil {
		_ = tx.Rollback()

		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	return counts, nil
}

func (l *Loader) loadDryRun(
	ctx context.Context,
	h *Handler,
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

		counts := &batchCounts{missingKeys: map[string]int64{}}
		if err := l.processRows(ctx, tx, h, opts, rows, counts); err != nil {
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

// processRows transforms, resolves and writes one batch.
func (l *Loader) processRows(
	ctx context.Context,
	tx *sql.Tx,
	h *Handler,
	opts LoadOptions,
	rows []staging.Row,
	counts *batchCounts,
) error {
	for _, row := range rows {
		counts.processed++

		rec, rowErr := l.transformRow(h, row)

		var drop bool
		if rowErr == nil {
			drop, rowErr = l.resolveKeys(ctx, h, opts, row, rec, counts)
		}

		if drop {
			// skip-strategy drop, already counted.
			continue
		}

		if rowErr != nil {
			if !opts.ContinueOnError {
				return *rowErr
			}

			counts.skipped++
			counts.errors = append(counts.errors, *rowErr)

			continue
		}

		rec.LoadRunID = opts.LoadRunID
		rec.LoadTs = l.clock.Now().UTC()

		inserted, err := l.store.Write(ctx, tx, h, rec)
		if err != nil {
			return err
		}

		if inserted {
			counts.inserted++
		} else {
			counts.updated++
		}
	}

	return nil
}

// transformRow maps one staging row onto the handler's target fields.
func (l *Loader) transformRow(h *Handler, row staging.Row) (*Record, *loaderr.RowError) {
	attrs := make(map[string]any, len(h.FieldMappings))

	for _, m := range h.FieldMappings {
		value, ok := row.Field(m.SourceField)
		if !ok {
			if m.Required {
				return nil, &loaderr.RowError{
					Kind:        loaderr.KindBusinessKeyConflict,
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

	return &Record{
		Attributes: attrs,
		Keys:       make(map[string]*int64, len(h.Relationships)),
	}, nil
}

// resolveKeys resolves every declared relationship, applying the handler's
// missing-key strategy. drop reports a skip-strategy drop, which is counted
// but not an error.
func (l *Loader) resolveKeys(
	ctx context.Context,
	h *Handler,
	opts LoadOptions,
	row staging.Row,
	rec *Record,
	counts *batchCounts,
) (drop bool, rowErr *loaderr.RowError) {
	factKey := canonical.BusinessKey(rec.Attributes, h.BusinessKeyTargetFields())

	for _, rel := range h.Relationships {
		lookup, complete := l.lookupKey(row, rel)

		if complete {
			surrogateKey, err := l.resolver.Resolve(ctx, rel.DimType, lookup)
			if err == nil {
				key := surrogateKey
				rec.Keys[rel.FactColumn] = &key

				continue
			}

			if !errors.Is(err, resolver.ErrKeyNotFound) {
				return false, &loaderr.RowError{
					Kind:        loaderr.KindDatabaseError,
					BusinessKey: factKey,
					Message:     err.Error(),
				}
			}
		}

		// No key: either lookup fields were absent or no current version
		// exists. An optional relationship just goes NULL.
		if !rel.Required {
			rec.Keys[rel.FactColumn] = nil

			continue
		}

		counts.missingKeys[rel.DimType]++

		if opts.DisableFKValidation {
			rec.Keys[rel.FactColumn] = nil

			continue
		}

		switch rel.OnMissing {
		case MissingSkip:
			counts.skipped++

			return true, nil
		default: // MissingError; null on required is rejected at Validate.
			return false, &loaderr.RowError{
				Kind:        loaderr.KindMissingForeignKey,
				BusinessKey: factKey,
				Message:     fmt.Sprintf("no current %s for lookup %q", rel.DimType, lookup),
			}
		}
	}

	return false, nil
}

// lookupKey builds the dimension business key from the staging row's lookup
// fields. complete is false when any component is absent.
func (l *Loader) lookupKey(row staging.Row, rel FKRelationship) (string, bool) {
	record := make(map[string]any, len(rel.LookupFields))

	for _, field := range rel.LookupFields {
		value, ok := row.Field(field)
		if !ok {
			return "", false
		}

		record[field] = value
	}

	return canonical.BusinessKey(record, rel.LookupFields), true
}

// partialKey builds a best-effort natural key for error context.
func (l *Loader) partialKey(h *Handler, row staging.Row) string {
	partial := make(map[string]any, len(h.BusinessKeyFields))

	for _, field := range h.BusinessKeyFields {
		if value, ok := row.Field(field); ok {
			partial[field] = value
		}
	}

	return canonical.BusinessKey(partial, h.BusinessKeyFields)
}

func (l *Loader) merge(result *LoadResult, counts *batchCounts) {
	result.RowsProcessed += counts.processed
	result.Inserted += counts.inserted
	result.Updated += counts.updated
	result.Skipped += counts.skipped
	result.Errors = append(result.Errors, counts.errors...)

	for dimType, n := range counts.missingKeys {
		result.MissingKeys[dimType] += n
	}
}

func (l *Loader) finalise(result *LoadResult, started time.Time) {
	elapsed := l.clock.Since(started)
	result.DurationMs = elapsed.Milliseconds()

	if seconds := elapsed.Seconds(); seconds > 0 {
		result.RowsPerSecond = float64(result.RowsProcessed) / seconds
	}
}
