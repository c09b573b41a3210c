package merge

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// progressLogInterval throttles per-batch progress lines; a large load would
// otherwise emit thousands of them.
const progressLogInterval = 5 * time.Second

// Monitor turns loader progress callbacks into throttled structured log
// lines. Terminal batches (processed == total) always log so every extract
// ends with a visible 100% line.
type Monitor struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewMonitor creates a progress monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(progressLogInterval), 1),
	}
}

// Progress logs one progress update, subject to throttling.
func (m *Monitor) Progress(ctx context.Context, kind, name string, processed, total int64) {
	if processed < total && !m.limiter.Allow() {
		return
	}

	var percent float64
	if total > 0 {
		percent = 100 * float64(processed) / float64(total)
	}

	m.logger.InfoContext(ctx, "merge progress",
		"kind", kind,
		"extract", name,
		"processed", processed,
		"total", total,
		"percent", percent,
	)
}
