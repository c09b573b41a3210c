// Package resolver maps dimension business keys to current surrogate keys for
// the fact loaders, fronting the core tables with an in-process TTL cache.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Sentinel errors.
var (
	// ErrKeyNotFound is returned when no current dimension version exists for
	// a business key. The fact loader turns this into its per-relationship
	// missing-key strategy.
	ErrKeyNotFound = errors.New("no current dimension key")

	// ErrUnknownDimension is returned for a dimension type the source does
	// not serve.
	ErrUnknownDimension = errors.New("resolver: unknown dimension type")
)

// Cache defaults.
const (
	// DefaultTTL bounds staleness when a resolver outlives a single merge run.
	DefaultTTL = 5 * time.Minute

	// DefaultCapacity bounds memory; past it the cache evicts least recently
	// inserted entries.
	DefaultCapacity = 1_000_000
)

type (
	// KeySource answers the resolver's point lookups and preload scans. The
	// production source reads core.<dim> tables; tests stub it.
	KeySource interface {
		CurrentKey(ctx context.Context, dimType, businessKey string) (int64, error)
		ScanCurrentKeys(ctx context.Context, dimType string, visit func(businessKey string, surrogateKey int64) error) error
		CountCurrent(ctx context.Context, dimType string) (int64, error)
	}

	// Options tune the resolver cache.
	Options struct {
		TTL      time.Duration
		Capacity uint64

		// RefreshInterval, when positive, re-preloads every warmed dimension
		// on a timer so long-lived resolvers track core without waiting for
		// TTL expiry. Zero disables the loop.
		RefreshInterval time.Duration
	}

	// Stats is a snapshot of cache effectiveness counters.
	Stats struct {
		Hits       uint64 `json:"hits"`
		Misses     uint64 `json:"misses"`
		Insertions uint64 `json:"insertions"`
		Evictions  uint64 `json:"evictions"`
	}

	// Resolver resolves (dimension type, business key) pairs to surrogate
	// keys, caching positive results. Misses fall through to the source, so a
	// cold or evicted cache changes latency, never answers.
	Resolver struct {
		source          KeySource
		cache           *ttlcache.Cache[string, int64]
		capacity        uint64
		refreshInterval time.Duration
		logger          *slog.Logger

		mu     sync.Mutex
		warmed map[string]bool

		done     chan struct{}
		stopOnce sync.Once
	}
)

// New creates a resolver over a key source.
func New(source KeySource, logger *slog.Logger, opts Options) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}

	if logger == nil {
		logger = slog.Default()
	}

	cache := ttlcache.New[string, int64](
		ttlcache.WithTTL[string, int64](opts.TTL),
		ttlcache.WithCapacity[string, int64](opts.Capacity),
		// Resolution frequency says nothing about which keys stay hot; a
		// sliding TTL would let stale keys pin themselves forever.
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)

	return &Resolver{
		source:          source,
		cache:           cache,
		capacity:        opts.Capacity,
		refreshInterval: opts.RefreshInterval,
		logger:          logger,
		warmed:          make(map[string]bool),
		done:            make(chan struct{}),
	}
}

// Start launches the cache's expired-item reaper and, when configured, the
// periodic refresh loop. Stop must be called when the resolver is done.
func (r *Resolver) Start() {
	go r.cache.Start()

	if r.refreshInterval > 0 {
		go r.refreshLoop()
	}
}

// Stop shuts the reaper and refresh loop down.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.cache.Stop()
}

func (r *Resolver) refreshLoop() {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.Refresh(context.Background(), ""); err != nil {
				r.logger.Error("resolver refresh failed", "error", err)
			}
		}
	}
}

// Resolve returns the current surrogate key for a business key, from cache or
// from the source. Only positive results are cached: a miss during the
// dimension phase must not shadow a key inserted moments later.
func (r *Resolver) Resolve(ctx context.Context, dimType, businessKey string) (int64, error) {
	key := cacheKey(dimType, businessKey)

	if item := r.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	surrogateKey, err := r.source.CurrentKey(ctx, dimType, businessKey)
	if err != nil {
		return 0, err
	}

	r.cache.Set(key, surrogateKey, ttlcache.DefaultTTL)

	return surrogateKey, nil
}

// Preload warms the cache with every current key of one dimension. When the
// dimension holds more current versions than the cache capacity, preloading
// would only churn the cache, so it is skipped with a warning and fact loads
// fall back to point lookups.
func (r *Resolver) Preload(ctx context.Context, dimType string) error {
	count, err := r.source.CountCurrent(ctx, dimType)
	if err != nil {
		return err
	}

	if uint64(count) > r.capacity {
		r.logger.WarnContext(ctx, "skipping resolver preload, dimension exceeds cache capacity",
			"dimension", dimType,
			"currentVersions", count,
			"capacity", r.capacity,
		)

		return nil
	}

	loaded := 0

	err = r.source.ScanCurrentKeys(ctx, dimType, func(businessKey string, surrogateKey int64) error {
		r.cache.Set(cacheKey(dimType, businessKey), surrogateKey, ttlcache.DefaultTTL)
		loaded++

		return nil
	})
	if err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "resolver preloaded", "dimension", dimType, "keys", loaded)

	r.mu.Lock()
	r.warmed[dimType] = true
	r.mu.Unlock()

	return nil
}

// Refresh replaces the cached keys of one dimension with the current state of
// core, dropping the dimension's entries first so keys expired or superseded
// upstream cannot linger for a full TTL. An empty dimType refreshes every
// dimension that has been preloaded.
func (r *Resolver) Refresh(ctx context.Context, dimType string) error {
	if dimType == "" {
		for _, dim := range r.warmedDims() {
			if err := r.Refresh(ctx, dim); err != nil {
				return err
			}
		}

		return nil
	}

	prefix := dimType + "\x1e"

	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
		}
	}

	return r.Preload(ctx, dimType)
}

func (r *Resolver) warmedDims() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	dims := make([]string, 0, len(r.warmed))
	for dim := range r.warmed {
		dims = append(dims, dim)
	}

	return dims
}

// Clear drops every cached entry. Called between the dimension and fact
// phases would be wasteful; it exists for reuse across merge runs.
func (r *Resolver) Clear() {
	r.cache.DeleteAll()
}

// Stats snapshots the cache counters.
func (r *Resolver) Stats() Stats {
	m := r.cache.Metrics()

	return Stats{
		Hits:       m.Hits,
		Misses:     m.Misses,
		Insertions: m.Insertions,
		Evictions:  m.Evictions,
	}
}

// cacheKey joins the dimension type and business key. The business key's own
// components are \x1f-separated, so \x1e cannot collide.
func cacheKey(dimType, businessKey string) string {
	return fmt.Sprintf("%s\x1e%s", dimType, businessKey)
}
