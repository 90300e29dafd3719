package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerpulse/ledgerpulse/internal/jobs"
	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
	"github.com/ledgerpulse/ledgerpulse/internal/sales"
	"github.com/ledgerpulse/ledgerpulse/internal/scheduler"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// TenantRefresher drives refreshes over the tenant registry.
type TenantRefresher interface {
	RefreshAll(ctx context.Context) scheduler.RefreshOutcome
	RefreshTenant(ctx context.Context, tenantID string) (sales.PeriodSummary, error)
}

// SalesRefreshJob handles the periodic and on-demand sales refresh tasks.
type SalesRefreshJob struct {
	Refresher TenantRefresher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewSalesRefreshJob wires dependencies for the refresh handlers.
func NewSalesRefreshJob(refresher TenantRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *SalesRefreshJob {
	return &SalesRefreshJob{
		Refresher: refresher,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleAll processes TaskSalesRefreshAll tasks.
func (j *SalesRefreshJob) HandleAll(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("sales refresh: handler not configured")
	}

	tracker := j.metrics().Track(TaskSalesRefreshAll)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	logger := j.log(TaskSalesRefreshAll)
	logger.Info("starting sales refresh batch")

	outcome := j.Refresher.RefreshAll(ctx)
	j.metrics().AddRefreshOutcome(outcome.Succeeded, outcome.Failed)

	logger.Info("completed sales refresh batch",
		slog.Int("attempted", outcome.Attempted),
		slog.Int("succeeded", outcome.Succeeded),
		slog.Int("failed", outcome.Failed),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

// HandleTenant processes TaskSalesRefreshTenant tasks.
func (j *SalesRefreshJob) HandleTenant(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("sales refresh: handler not configured")
	}
	var payload SalesRefreshTenantPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TenantID == "" {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSalesRefreshTenant)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log(TaskSalesRefreshTenant).With(slog.String("tenant_id", payload.TenantID))
	start := j.now()

	summary, err := j.Refresher.RefreshTenant(ctx, payload.TenantID)
	if err != nil {
		if errors.Is(err, scheduler.ErrTenantNotRegistered) {
			// The tenant disconnected between enqueue and execution.
			logger.Info("tenant no longer registered, skipping refresh")
			return resultErr
		}
		j.metrics().AddRefreshOutcome(0, 1)
		logger.Error("tenant refresh failed", slog.Any("error", err))
		if _, ok := ledger.AsError(err); ok && !ledger.Retryable(err) {
			// Validation and auth failures will not pass on a requeue.
			// A revoked credential already unregistered the tenant.
			resultErr = fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			return resultErr
		}
		resultErr = err
		return resultErr
	}
	j.metrics().AddRefreshOutcome(1, 0)

	logger.Info("refreshed tenant sales",
		slog.String("period", string(summary.Period)),
		slog.String("total_sales", summary.TotalSales.String()),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *SalesRefreshJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SalesRefreshJob) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *SalesRefreshJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *SalesRefreshJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
