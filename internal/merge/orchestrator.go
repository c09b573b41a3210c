package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/carelake-io/carelake/internal/dimension"
	"github.com/carelake-io/carelake/internal/fact"
	"github.com/carelake-io/carelake/internal/resolver"
	"github.com/carelake-io/carelake/internal/staging"
)

// Merge precondition errors. None of them leaves side effects.
var (
	// ErrLoadRunNotReady is returned when the load run exists but has not
	// completed ingestion.
	ErrLoadRunNotReady = errors.New("load run has not completed")

	// ErrUnknownExtractType is returned when a requested extract type matches
	// no dimension or fact handler.
	ErrUnknownExtractType = errors.New("unknown extract type")
)

// Merge run outcome states.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type (
	// Options selects what one merge call does. Tunables (batch sizes,
	// strategy, error budget) come from Config, not per call.
	Options struct {
		LoadRunID uuid.UUID

		// ExtractTypes restricts the merge to the named extracts; empty
		// means everything the registries know.
		ExtractTypes []string

		DryRun bool

		// Force re-merges extracts that already completed for this load run.
		Force bool
	}

	// Result is the outcome of one merge call.
	Result struct {
		MergeRunID   uuid.UUID                        `json:"mergeRunId"`
		LoadRunID    uuid.UUID                        `json:"loadRunId"`
		ExtractTypes []string                         `json:"extractTypes"`
		Dimensions   map[string]*dimension.LoadResult `json:"dimensions"`
		Facts        map[string]*fact.LoadResult      `json:"facts"`

		RowsProcessed int64 `json:"rowsProcessed"`
		RowsWritten   int64 `json:"rowsWritten"`
		RowsSkipped   int64 `json:"rowsSkipped"`

		Status      string         `json:"status"`
		Error       string         `json:"error,omitempty"`
		DryRun      bool           `json:"dryRun"`
		StartedAt   time.Time      `json:"startedAt"`
		CompletedAt time.Time      `json:"completedAt"`
		DurationMs  int64          `json:"durationMs"`
		CacheStats  resolver.Stats `json:"cacheStats"`
	}

	// Collaborator seams; the production wiring passes the concrete types
	// from staging, dimension, fact and resolver.
	loadRunService interface {
		GetLoadRun(ctx context.Context, id uuid.UUID) (*staging.LoadRun, error)
	}

	dimensionLoader interface {
		Load(ctx context.Context, h *dimension.Handler, opts dimension.LoadOptions) (*dimension.LoadResult, error)
	}

	factLoader interface {
		Load(ctx context.Context, h *fact.Handler, opts fact.LoadOptions) (*fact.LoadResult, error)
	}

	runRecorder interface {
		CompletedResult(ctx context.Context, loadRunID uuid.UUID, extractType string) ([]byte, error)
		Supersede(ctx context.Context, loadRunID uuid.UUID, extractType string) error
		Begin(ctx context.Context, loadRunID uuid.UUID, extractType string, dryRun bool) (uuid.UUID, error)
		Complete(ctx context.Context, runID uuid.UUID, result any) error
		Fail(ctx context.Context, runID uuid.UUID, cause error, result any) error
	}

	keyPreloader interface {
		Preload(ctx context.Context, dimType string) error
		Stats() resolver.Stats
	}

	// EventPublisher is the completion-event seam. Exported so callers can
	// pass an untyped nil when publishing is disabled.
	EventPublisher interface {
		Publish(ctx context.Context, event Event) error
	}

	healthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Orchestrator drives one merge run end to end: dimensions in dependency
	// order, resolver preload, facts, audit trail, completion event.
	Orchestrator struct {
		cfg        *Config
		health     healthChecker
		runs       loadRunService
		dimensions *dimension.Registry
		facts      *fact.Registry
		dimLoader  dimensionLoader
		factLoader factLoader
		recorder   runRecorder
		preloader  keyPreloader
		publisher  EventPublisher
		monitor    *Monitor
		clock      clockwork.Clock
		logger     *slog.Logger
	}
)

// NewOrchestrator wires a merge orchestrator. publisher may be nil.
func NewOrchestrator(
	cfg *Config,
	health healthChecker,
	runs loadRunService,
	dimensions *dimension.Registry,
	facts *fact.Registry,
	dimLoader dimensionLoader,
	factLoader factLoader,
	recorder runRecorder,
	preloader keyPreloader,
	publisher EventPublisher,
	logger *slog.Logger,
	clock clockwork.Clock,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Orchestrator{
		cfg:        cfg,
		health:     health,
		runs:       runs,
		dimensions: dimensions,
		facts:      facts,
		dimLoader:  dimLoader,
		factLoader: factLoader,
		recorder:   recorder,
		preloader:  preloader,
		publisher:  publisher,
		monitor:    NewMonitor(logger),
		clock:      clock,
		logger:     logger,
	}
}

// Merge merges one completed load run into the core schema.
//
// Dimensions load before facts so every surrogate key a fact can reference
// exists and is committed. A dimension failure aborts the run before facts
// start; a fact failure aborts the remaining facts. Either way the returned
// Result carries the counters of everything that committed.
func (o *Orchestrator) Merge(ctx context.Context, opts Options) (*Result, error) {
	started := o.clock.Now().UTC()

	result := &Result{
		MergeRunID: uuid.New(),
		LoadRunID:  opts.LoadRunID,
		Dimensions: map[string]*dimension.LoadResult{},
		Facts:      map[string]*fact.LoadResult{},
		DryRun:     opts.DryRun,
		StartedAt:  started,
		Status:     StatusCompleted,
	}

	err := o.merge(ctx, opts, result)

	result.CompletedAt = o.clock.Now().UTC()
	result.DurationMs = o.clock.Since(started).Milliseconds()

	if o.preloader != nil {
		result.CacheStats = o.preloader.Stats()
	}

	o.aggregate(result)

	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
	}

	o.publish(ctx, opts, result)

	return result, err
}

func (o *Orchestrator) merge(ctx context.Context, opts Options, result *Result) error {
	if err := o.health.HealthCheck(ctx); err != nil {
		return err
	}

	run, err := o.runs.GetLoadRun(ctx, opts.LoadRunID)
	if err != nil {
		return err
	}

	if run.Status != staging.LoadRunCompleted {
		return fmt.Errorf("%w: %s is %s", ErrLoadRunNotReady, run.ID, run.Status)
	}

	dimTypes, factTypes, err := o.selectExtracts(opts.ExtractTypes)
	if err != nil {
		return err
	}

	result.ExtractTypes = o.extractTypes(dimTypes, factTypes)

	o.logger.InfoContext(ctx, "merge starting",
		"mergeRun", result.MergeRunID,
		"loadRun", opts.LoadRunID,
		"extractTs", run.ExtractTs,
		"extracts", result.ExtractTypes,
		"dryRun", opts.DryRun,
		"force", opts.Force,
	)

	if err := o.mergeDimensions(ctx, opts, run, dimTypes, result); err != nil {
		return err
	}

	if len(factTypes) == 0 {
		return nil
	}

	if err := o.preload(ctx, factTypes); err != nil {
		return err
	}

	return o.mergeFacts(ctx, opts, factTypes, result)
}

// selectExtracts maps the requested extract types onto dimension and fact
// types in their fixed load orders. An empty request selects everything.
func (o *Orchestrator) selectExtracts(requested []string) (dimTypes, factTypes []string, err error) {
	wanted := make(map[string]bool, len(requested))
	for _, extract := range requested {
		wanted[extract] = true
	}

	all := len(requested) == 0
	matched := make(map[string]bool, len(requested))

	for _, dimType := range o.dimensions.Types() {
		h, err := o.dimensions.Handler(dimType)
		if err != nil {
			return nil, nil, err
		}

		if all || wanted[h.ExtractType] {
			dimTypes = append(dimTypes, dimType)
			matched[h.ExtractType] = true
		}
	}

	for _, factType := range o.facts.Types() {
		h, err := o.facts.Handler(factType)
		if err != nil {
			return nil, nil, err
		}

		if all || wanted[h.ExtractType] {
			factTypes = append(factTypes, factType)
			matched[h.ExtractType] = true
		}
	}

	for extract := range wanted {
		if !matched[extract] {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownExtractType, extract)
		}
	}

	return dimTypes, factTypes, nil
}

func (o *Orchestrator) extractTypes(dimTypes, factTypes []string) []string {
	extracts := make([]string, 0, len(dimTypes)+len(factTypes))

	for _, dimType := range dimTypes {
		if h, err := o.dimensions.Handler(dimType); err == nil {
			extracts = append(extracts, h.ExtractType)
		}
	}

	for _, factType := range factTypes {
		if h, err := o.facts.Handler(factType); err == nil {
			extracts = append(extracts, h.ExtractType)
		}
	}

	return extracts
}

// mergeDimensions runs phase A.
func (o *Orchestrator) mergeDimensions(
	ctx context.Context,
	opts Options,
	run *staging.LoadRun,
	dimTypes []string,
	result *Result,
) error {
	for _, dimType := range dimTypes {
		h, err := o.dimensions.Handler(dimType)
		if err != nil {
			return err
		}

		cached, err := o.cachedDimensionResult(ctx, opts, h.ExtractType)
		if err != nil {
			return err
		}

		if cached != nil {
			o.logger.InfoContext(ctx, "extract already merged, returning cached result",
				"extract", h.ExtractType, "loadRun", opts.LoadRunID)

			result.Dimensions[dimType] = cached

			continue
		}

		runID, err := o.begin(ctx, opts, h.ExtractType)
		if err != nil {
			return err
		}

		loadResult, loadErr := o.loadDimension(ctx, opts, run, h)

		if loadResult != nil {
			result.Dimensions[dimType] = loadResult
		}

		if loadErr != nil {
			o.fail(ctx, runID, loadErr, loadResult)

			return fmt.Errorf("dimension %s failed: %w", dimType, loadErr)
		}

		if err := o.complete(ctx, runID, loadResult); err != nil {
			return err
		}
	}

	return nil
}

// loadDimension runs one dimension load under the configured per-dimension
// timeout.
func (o *Orchestrator) loadDimension(
	ctx context.Context,
	opts Options,
	run *staging.LoadRun,
	h *dimension.Handler,
) (*dimension.LoadResult, error) {
	if o.cfg.DimensionTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, o.cfg.DimensionTimeout)
		defer cancel()
	}

	return o.dimLoader.Load(ctx, h, dimension.LoadOptions{
		LoadRunID:       opts.LoadRunID,
		ExtractTs:       run.ExtractTs,
		BatchSize:       o.cfg.DimensionBatchSize,
		Strategy:        o.cfg.Strategy,
		DisableSCD2:     !o.cfg.EnableSCD2,
		DryRun:          opts.DryRun,
		ContinueOnError: o.cfg.ContinueOnError,
		MaxErrors:       o.cfg.MaxErrors,
		MaxErrorRate:    o.cfg.MaxErrorRate,
		Progress: func(dimType string, processed, total int64) {
			o.monitor.Progress(ctx, "dimension", dimType, processed, total)
		},
	})
}

// preload warms the resolver for every dimension the selected facts reference.
func (o *Orchestrator) preload(ctx context.Context, factTypes []string) error {
	if o.preloader == nil {
		return nil
	}

	seen := map[string]bool{}

	for _, factType := range factTypes {
		h, err := o.facts.Handler(factType)
		if err != nil {
			return err
		}

		for _, rel := range h.Relationships {
			if seen[rel.DimType] {
				continue
			}

			seen[rel.DimType] = true

			if err := o.preloader.Preload(ctx, rel.DimType); err != nil {
				return fmt.Errorf("failed to preload %s keys: %w", rel.DimType, err)
			}
		}
	}

	return nil
}

// mergeFacts runs phase C.
func (o *Orchestrator) mergeFacts(ctx context.Context, opts Options, factTypes []string, result *Result) error {
	for _, factType := range factTypes {
		h, err := o.facts.Handler(factType)
		if err != nil {
			return err
		}

		cached, err := o.cachedFactResult(ctx, opts, h.ExtractType)
		if err != nil {
			return err
		}

		if cached != nil {
			o.logger.InfoContext(ctx, "extract already merged, returning cached result",
				"extract", h.ExtractType, "loadRun", opts.LoadRunID)

			result.Facts[factType] = cached

			continue
		}

		runID, err := o.begin(ctx, opts, h.ExtractType)
		if err != nil {
			return err
		}

		loadResult, loadErr := o.factLoader.Load(ctx, h, fact.LoadOptions{
			LoadRunID:           opts.LoadRunID,
			BatchSize:           o.cfg.FactBatchSize,
			DryRun:              opts.DryRun,
			DisableFKValidation: !o.cfg.EnableFKValidation,
			ContinueOnError:     o.cfg.ContinueOnError,
			MaxErrors:           o.cfg.MaxErrors,
			MaxErrorRate:        o.cfg.MaxErrorRate,
			Progress: func(factType string, processed, total int64) {
				o.monitor.Progress(ctx, "fact", factType, processed, total)
			},
		})

		if loadResult != nil {
			result.Facts[factType] = loadResult
		}

		if loadErr != nil {
			o.fail(ctx, runID, loadErr, loadResult)

			return fmt.Errorf("fact %s failed: %w", factType, loadErr)
		}

		if err := o.complete(ctx, runID, loadResult); err != nil {
			return err
		}
	}

	return nil
}

// cachedDimensionResult returns the stored counters when the extract already
// completed and neither force nor dry run apply.
func (o *Orchestrator) cachedDimensionResult(ctx context.Context, opts Options, extractType string) (*dimension.LoadResult, error) {
	payload, err := o.cachedPayload(ctx, opts, extractType)
	if payload == nil || err != nil {
		return nil, err
	}

	var cached dimension.LoadResult
	if err := json.Unmarshal(payload, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached result for %s: %w", extractType, err)
	}

	return &cached, nil
}

func (o *Orchestrator) cachedFactResult(ctx context.Context, opts Options, extractType string) (*fact.LoadResult, error) {
	payload, err := o.cachedPayload(ctx, opts, extractType)
	if payload == nil || err != nil {
		return nil, err
	}

	var cached fact.LoadResult
	if err := json.Unmarshal(payload, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached result for %s: %w", extractType, err)
	}

	return &cached, nil
}

func (o *Orchestrator) cachedPayload(ctx context.Context, opts Options, extractType string) ([]byte, error) {
	// Dry runs re-evaluate everything; force re-merges over the cache.
	if opts.Force || opts.DryRun {
		return nil, nil
	}

	return o.recorder.CompletedResult(ctx, opts.LoadRunID, extractType)
}

// begin opens the audit row, retiring any completed record first on a forced
// re-merge. Dry runs are recorded like any other attempt, flagged dry_run, so
// the audit trail covers every evaluation; they never supersede a real
// completed merge.
func (o *Orchestrator) begin(ctx context.Context, opts Options, extractType string) (uuid.UUID, error) {
	if opts.Force && !opts.DryRun {
		if err := o.recorder.Supersede(ctx, opts.LoadRunID, extractType); err != nil {
			return uuid.Nil, err
		}
	}

	return o.recorder.Begin(ctx, opts.LoadRunID, extractType, opts.DryRun)
}

func (o *Orchestrator) complete(ctx context.Context, runID uuid.UUID, loadResult any) error {
	return o.recorder.Complete(ctx, runID, loadResult)
}

func (o *Orchestrator) fail(ctx context.Context, runID uuid.UUID, cause error, loadResult any) {
	if err := o.recorder.Fail(ctx, runID, cause, loadResult); err != nil {
		o.logger.ErrorContext(ctx, "failed to record merge failure",
			"mergeRun", runID, "error", err)
	}
}

// aggregate rolls the per-extract counters up.
func (o *Orchestrator) aggregate(result *Result) {
	for _, r := range result.Dimensions {
		result.RowsProcessed += r.RowsProcessed
		result.RowsWritten += r.Created + r.Updated
		result.RowsSkipped += r.Skipped
	}

	for _, r := range result.Facts {
		result.RowsProcessed += r.RowsProcessed
		result.RowsWritten += r.Inserted + r.Updated
		result.RowsSkipped += r.Skipped
	}
}

// publish emits the merge event. Failures are logged, never surfaced: the
// merge itself already committed.
func (o *Orchestrator) publish(ctx context.Context, opts Options, result *Result) {
	if o.publisher == nil || opts.DryRun {
		return
	}

	event := Event{
		LoadRunID:   result.LoadRunID.String(),
		Status:      result.Status,
		DryRun:      result.DryRun,
		Dimensions:  len(result.Dimensions),
		Facts:       len(result.Facts),
		RowsMerged:  result.RowsWritten,
		CompletedAt: result.CompletedAt,
	}

	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.ErrorContext(ctx, "failed to publish merge event",
			"mergeRun", result.MergeRunID, "error", err)
	}
}
