package merge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelake-io/carelake/internal/dimension"
	"github.com/carelake-io/carelake/internal/fact"
	"github.com/carelake-io/carelake/internal/resolver"
	"github.com/carelake-io/carelake/internal/staging"
)

type (
	stubHealth struct{ err error }

	stubRuns struct{ run *staging.LoadRun }

	stubDimLoader struct {
		calls   []string
		options []dimension.LoadOptions
		failOn  string
	}

	stubFactLoader struct {
		calls   []string
		options []fact.LoadOptions
		failOn  string
	}

	stubRecorder struct {
		completed  map[string][]byte
		begun      []string
		dryRuns    []bool
		done       []string
		failed     []string
		superseded []string
	}

	stubPreloader struct{ preloaded []string }

	stubPublisher struct{ events []Event }
)

func (s *stubHealth) HealthCheck(context.Context) error { return s.err }

func (s *stubRuns) GetLoadRun(_ context.Context, id uuid.UUID) (*staging.LoadRun, error) {
	if s.run == nil || s.run.ID != id {
		return nil, staging.ErrLoadRunNotFound
	}

	return s.run, nil
}

func (s *stubDimLoader) Load(_ context.Context, h *dimension.Handler, opts dimension.LoadOptions) (*dimension.LoadResult, error) {
	s.calls = append(s.calls, h.Type)
	s.options = append(s.options, opts)

	if h.Type == s.failOn {
		return &dimension.LoadResult{DimensionType: h.Type, RowsProcessed: 1},
			errors.New("constraint violation")
	}

	return &dimension.LoadResult{DimensionType: h.Type, RowsProcessed: 10, Created: 10}, nil
}

func (s *stubFactLoader) Load(_ context.Context, h *fact.Handler, opts fact.LoadOptions) (*fact.LoadResult, error) {
	s.calls = append(s.calls, h.Type)
	s.options = append(s.options, opts)

	if h.Type == s.failOn {
		return &fact.LoadResult{FactType: h.Type}, errors.New("constraint violation")
	}

	return &fact.LoadResult{FactType: h.Type, RowsProcessed: 20, Inserted: 19, Skipped: 1}, nil
}

func (s *stubRecorder) CompletedResult(_ context.Context, _ uuid.UUID, extractType string) ([]byte, error) {
	return s.completed[extractType], nil
}

func (s *stubRecorder) Supersede(_ context.Context, _ uuid.UUID, extractType string) error {
	delete(s.completed, extractType)
	s.superseded = append(s.superseded, extractType)

	return nil
}

func (s *stubRecorder) Begin(_ context.Context, _ uuid.UUID, extractType string, dryRun bool) (uuid.UUID, error) {
	s.begun = append(s.begun, extractType)
	s.dryRuns = append(s.dryRuns, dryRun)

	return uuid.New(), nil
}

func (s *stubRecorder) Complete(_ context.Context, _ uuid.UUID, _ any) error {
	s.done = append(s.done, "x")

	return nil
}

func (s *stubRecorder) Fail(_ context.Context, _ uuid.UUID, _ error, _ any) error {
	s.failed = append(s.failed, "x")

	return nil
}

func (s *stubPreloader) Preload(_ context.Context, dimType string) error {
	s.preloaded = append(s.preloaded, dimType)

	return nil
}

func (s *stubPreloader) Stats() resolver.Stats { return resolver.Stats{Hits: 42} }

func (s *stubPublisher) Publish(_ context.Context, event Event) error {
	s.events = append(s.events, event)

	return nil
}

type harness struct {
	orch       *Orchestrator
	runID      uuid.UUID
	dimLoader  *stubDimLoader
	factLoader *stubFactLoader
	recorder   *stubRecorder
	preloader  *stubPreloader
	publisher  *stubPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dims, err := dimension.NewRegistry()
	require.NoError(t, err)

	facts, err := fact.NewRegistry()
	require.NoError(t, err)

	runID := uuid.New()

	h := &harness{
		runID:      runID,
		dimLoader:  &stubDimLoader{},
		factLoader: &stubFactLoader{},
		recorder:   &stubRecorder{completed: map[string][]byte{}},
		preloader:  &stubPreloader{},
		publisher:  &stubPublisher{},
	}

	runs := &stubRuns{run: &staging.LoadRun{
		ID:        runID,
		Status:    staging.LoadRunCompleted,
		ExtractTs: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}

	h.orch = NewOrchestrator(
		&Config{
			DimensionBatchSize: 500,
			FactBatchSize:      1000,
			EnableSCD2:         true,
			EnableFKValidation: true,
			ContinueOnError:    true,
		},
		&stubHealth{}, runs, dims, facts,
		h.dimLoader, h.factLoader, h.recorder, h.preloader, h.publisher,
		nil, clockwork.NewFakeClock(),
	)

	return h
}

func TestMerge_DimensionsBeforeFactsInOrder(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID})
	require.NoError(t, err)

	assert.Equal(t, dimension.LoadOrder, h.dimLoader.calls)
	assert.Equal(t, fact.LoadOrder, h.factLoader.calls)
	assert.Equal(t, StatusCompleted, result.Status)

	// Aggregates: 5 dims x 10 created + 6 facts x 19 inserted.
	assert.Equal(t, int64(5*10+6*20), result.RowsProcessed)
	assert.Equal(t, int64(5*10+6*19), result.RowsWritten)
	assert.Equal(t, int64(6), result.RowsSkipped)
	assert.Equal(t, uint64(42), result.CacheStats.Hits)

	// Effective-from comes from the load run's extract timestamp.
	for _, opts := range h.dimLoader.options {
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), opts.ExtractTs)
	}

	// Every extract got an audit row and a completion.
	assert.Len(t, h.recorder.begun, 11)
	assert.Len(t, h.recorder.done, 11)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, StatusCompleted, h.publisher.events[0].Status)
}

func TestMerge_PreloadsReferencedDimensions(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID})
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{dimension.TypePatient, dimension.TypePractice, dimension.TypeProvider,
			dimension.TypeVaccine, dimension.TypeMedicine},
		h.preloader.preloaded)
}

func TestMerge_LoadRunNotFound(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.Merge(context.Background(), Options{LoadRunID: uuid.New()})
	assert.ErrorIs(t, err, staging.ErrLoadRunNotFound)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Empty(t, h.dimLoader.calls)
}

func TestMerge_LoadRunNotReady(t *testing.T) {
	h := newHarness(t)

	runs := &stubRuns{run: &staging.LoadRun{ID: h.runID, Status: staging.LoadRunRunning}}
	h.orch.runs = runs

	_, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID})
	assert.ErrorIs(t, err, ErrLoadRunNotReady)
	assert.Empty(t, h.dimLoader.calls)
	assert.Empty(t, h.recorder.begun)
}

func TestMerge_UnknownExtractType(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Merge(context.Background(), Options{
		LoadRunID:    h.runID,
		ExtractTypes: []string{"patients", "referrals"},
	})
	assert.ErrorIs(t, err, ErrUnknownExtractType)
	assert.Empty(t, h.dimLoader.calls)
}

func TestMerge_ExtractTypeFilter(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.Merge(context.Background(), Options{
		LoadRunID:    h.runID,
		ExtractTypes: []string{"patients", "appointments"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{dimension.TypePatient}, h.dimLoader.calls)
	assert.Equal(t, []string{fact.TypeAppointment}, h.factLoader.calls)
	assert.Equal(t, []string{"patients", "appointments"}, result.ExtractTypes)
}

func TestMerge_CachedResultWithoutForce(t *testing.T) {
	h := newHarness(t)

	cached, err := json.Marshal(dimension.LoadResult{DimensionType: dimension.TypePatient, Created: 99})
	require.NoError(t, err)
	h.recorder.completed["patients"] = cached

	result, err := h.orch.Merge(context.Background(), Options{
		LoadRunID:    h.runID,
		ExtractTypes: []string{"patients"},
	})
	require.NoError(t, err)

	// The loader never ran; the stored counters came back.
	assert.Empty(t, h.dimLoader.calls)
	assert.Equal(t, int64(99), result.Dimensions[dimension.TypePatient].Created)
	assert.Empty(t, h.recorder.begun)
}

func TestMerge_ForceReprocessesCompletedExtract(t *testing.T) {
	h := newHarness(t)
	h.recorder.completed["patients"] = []byte(`{"created":99}`)

	_, err := h.orch.Merge(context.Background(), Options{
		LoadRunID:    h.runID,
		ExtractTypes: []string{"patients"},
		Force:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{dimension.TypePatient}, h.dimLoader.calls)
}

func TestMerge_DryRunIsAuditedButNotPublished(t *testing.T) {
	h := newHarness(t)
	h.recorder.completed["patients"] = []byte(`{"created":99}`)

	result, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID, DryRun: true})
	require.NoError(t, err)

	// Everything re-evaluates even past a completed extract, and every
	// attempt lands in the audit trail flagged as a dry run.
	assert.Len(t, h.dimLoader.calls, len(dimension.LoadOrder))
	assert.Len(t, h.recorder.begun, len(dimension.LoadOrder)+len(fact.LoadOrder))
	assert.Len(t, h.recorder.done, len(dimension.LoadOrder)+len(fact.LoadOrder))

	for _, dryRun := range h.recorder.dryRuns {
		assert.True(t, dryRun)
	}

	// A dry run never retires a real completed merge and never publishes.
	assert.Empty(t, h.recorder.superseded)
	assert.Empty(t, h.publisher.events)
	assert.True(t, result.DryRun)

	for _, opts := range h.dimLoader.options {
		assert.True(t, opts.DryRun)
	}

	for _, opts := range h.factLoader.options {
		assert.True(t, opts.DryRun)
	}
}

func TestMerge_ForcedDryRunDoesNotSupersede(t *testing.T) {
	h := newHarness(t)
	h.recorder.completed["patients"] = []byte(`{"created":99}`)

	_, err := h.orch.Merge(context.Background(), Options{
		LoadRunID:    h.runID,
		ExtractTypes: []string{"patients"},
		DryRun:       true,
		Force:        true,
	})
	require.NoError(t, err)

	assert.Empty(t, h.recorder.superseded)
	assert.Contains(t, h.recorder.completed, "patients")
}

// The SCD2 and FK-validation switches flow through to the loaders inverted:
// the config enables, the load options disable.
func TestMerge_FeatureTogglesReachLoaders(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.EnableSCD2 = false
	h.orch.cfg.EnableFKValidation = false

	_, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID})
	require.NoError(t, err)

	for _, opts := range h.dimLoader.options {
		assert.True(t, opts.DisableSCD2)
	}

	for _, opts := range h.factLoader.options {
		assert.True(t, opts.DisableFKValidation)
	}
}

func TestMerge_DimensionFailureAbortsBeforeFacts(t *testing.T) {
	h := newHarness(t)
	h.dimLoader.failOn = dimension.TypePatient

	result, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID})
	require.Error(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)

	// practice loaded, patient failed, nothing after.
	assert.Equal(t, []string{dimension.TypePractice, dimension.TypePatient}, h.dimLoader.calls)
	assert.Empty(t, h.factLoader.calls)
	assert.Len(t, h.recorder.failed, 1)

	// Partial counters survive: practice committed before the failure.
	assert.Equal(t, int64(10), result.Dimensions[dimension.TypePractice].Created)

	// The failure event still publishes.
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, StatusFailed, h.publisher.events[0].Status)
}

func TestMerge_FactFailureKeepsCommittedResults(t *testing.T) {
	h := newHarness(t)
	h.factLoader.failOn = fact.TypeInvoice

	result, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID})
	require.Error(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, []string{fact.TypeAppointment, fact.TypeImmunisation, fact.TypeInvoice}, h.factLoader.calls)
	assert.Len(t, result.Dimensions, len(dimension.LoadOrder))
	assert.Equal(t, int64(19), result.Facts[fact.TypeAppointment].Inserted)
}

func TestMerge_HealthCheckFailureIsPrecondition(t *testing.T) {
	h := newHarness(t)

	healthErr := errors.New("database unreachable")
	h.orch.health = &stubHealth{err: healthErr}

	_, err := h.orch.Merge(context.Background(), Options{LoadRunID: h.runID})
	assert.ErrorIs(t, err, healthErr)
	assert.Empty(t, h.dimLoader.calls)
	assert.Empty(t, h.recorder.begun)
}
