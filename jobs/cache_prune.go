package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerpulse/ledgerpulse/internal/jobs"
	"github.com/ledgerpulse/ledgerpulse/internal/sales"
)

// CacheMaintainer exposes the retention and statistics operations of the
// sales cache.
type CacheMaintainer interface {
	PruneOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
	Stats(ctx context.Context) (sales.CacheStats, error)
}

// CachePruneJob removes cache entries past the retention window.
type CachePruneJob struct {
	Cache     CacheMaintainer
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewCachePruneJob wires dependencies for the prune handler.
func NewCachePruneJob(cache CacheMaintainer, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *CachePruneJob {
	return &CachePruneJob{
		Cache:     cache,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskCachePrune tasks.
func (j *CachePruneJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Cache == nil {
		return errors.New("cache prune: handler not configured")
	}

	tracker := j.metrics().Track(TaskCachePrune)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	retention := j.Retention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	start := j.now()
	logger := j.log()
	removed, err := j.Cache.PruneOlderThan(ctx, retention)
	if err != nil {
		resultErr = err
		logger.Error("prune cache entries", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddPruned(removed)

	logger.Info("pruned stale cache entries",
		slog.Int64("removed", removed),
		slog.Duration("retention", retention),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *CachePruneJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CachePruneJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCachePrune))
	}
	return slog.Default().With(slog.String("job", TaskCachePrune))
}

func (j *CachePruneJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *CachePruneJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
