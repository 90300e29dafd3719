package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerpulse/ledgerpulse/internal/jobs"
)

// CacheStatsJob periodically logs cache population statistics.
type CacheStatsJob struct {
	Cache   CacheMaintainer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCacheStatsJob wires dependencies for the stats handler.
func NewCacheStatsJob(cache CacheMaintainer, logger *slog.Logger, metrics *jobmetrics.Metrics) *CacheStatsJob {
	return &CacheStatsJob{Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle processes TaskCacheStats tasks.
func (j *CacheStatsJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Cache == nil {
		return errors.New("cache stats: handler not configured")
	}

	tracker := j.metrics().Track(TaskCacheStats)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	stats, err := j.Cache.Stats(ctx)
	if err != nil {
		resultErr = err
		j.log().Error("collect cache stats", slog.Any("error", err))
		return resultErr
	}

	attrs := []any{
		slog.Int("total_entries", stats.TotalEntries),
		slog.Int("success_count", stats.SuccessCount),
		slog.Int("failure_count", stats.FailureCount),
	}
	if stats.LatestUpdate != nil {
		attrs = append(attrs, slog.Time("latest_update", *stats.LatestUpdate))
	}
	if stats.OldestUpdate != nil {
		attrs = append(attrs, slog.Time("oldest_update", *stats.OldestUpdate))
	}
	j.log().Info("cache statistics", attrs...)
	return resultErr
}

func (j *CacheStatsJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CacheStatsJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCacheStats))
	}
	return slog.Default().With(slog.String("job", TaskCacheStats))
}
