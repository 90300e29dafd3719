package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
)

// Store is the Period Cache Store surface the service depends on.
type Store interface {
	Get(ctx context.Context, tenantID string, period Period) (PeriodSummary, error)
	Upsert(ctx context.Context, summary PeriodSummary) error
	MarkError(ctx context.Context, tenantID string, period Period, message string, at time.Time) error
	ReplaceDetailed(ctx context.Context, month DetailedMonth) error
	ListPeriods(ctx context.Context, tenantID string) ([]PeriodSummary, error)
	ListProductRollups(ctx context.Context, tenantID string, period Period) ([]ProductRollup, error)
	ListCustomerRollups(ctx context.Context, tenantID string, period Period) ([]CustomerRollup, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (CacheStats, error)
}

// DetailCache is the best-effort blob store surface.
type DetailCache interface {
	SaveDetail(ctx context.Context, tenantID string, period Period, detail TransactionDetail) error
	LoadDetail(ctx context.Context, tenantID string, period Period) (*TransactionDetail, error)
	SaveAnnual(ctx context.Context, doc AnnualSummary) error
	LoadAnnual(ctx context.Context, tenantID string, year int) (*AnnualSummary, error)
	DropAnnual(ctx context.Context, tenantID string, year int) error
}

// LedgerAPI is the slice of the upstream client the service uses.
type LedgerAPI interface {
	QueryReceipts(ctx context.Context, tenantID string, cred *ledger.Credential, r ledger.DateRange) ([]ledger.Transaction, error)
	QueryInvoices(ctx context.Context, tenantID string, cred *ledger.Credential, r ledger.DateRange) ([]ledger.Transaction, error)
}

// Service coordinates the cache store, the drill-down blobs and the upstream
// ledger into the read and refresh paths.
type Service struct {
	store   Store
	details DetailCache
	ledger  LedgerAPI
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService wires the service dependencies.
func NewService(store Store, details DetailCache, api LedgerAPI, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		details: details,
		ledger:  api,
		logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *Service) now() time.Time { return s.clock() }

// fetchMonth pulls both transaction kinds live and folds them into a
// finalized month aggregate plus its drill-down blob.
func (s *Service) fetchMonth(ctx context.Context, tenantID string, cred *ledger.Credential, year int, month time.Month) (DetailedMonth, TransactionDetail, error) {
	now := s.now()
	bounds := ledger.MonthRange(year, month, now)

	receipts, err := s.ledger.QueryReceipts(ctx, tenantID, cred, bounds)
	if err != nil {
		return DetailedMonth{}, TransactionDetail{}, fmt.Errorf("query receipts %s: %w", bounds, err)
	}
	invoices, err := s.ledger.QueryInvoices(ctx, tenantID, cred, bounds)
	if err != nil {
		return DetailedMonth{}, TransactionDetail{}, fmt.Errorf("query invoices %s: %w", bounds, err)
	}

	txns := make([]ledger.Transaction, 0, len(receipts)+len(invoices))
	txns = append(txns, receipts...)
	txns = append(txns, invoices...)

	period := PeriodOf(year, month)
	agg, skipped := AggregateDetailed(tenantID, period, bounds, txns, now)
	for _, rec := range skipped {
		s.logger.Warn("skipped malformed transaction",
			slog.String("tenant_id", tenantID),
			slog.String("period", string(period)),
			slog.Int("index", rec.Index),
			slog.String("reason", rec.Reason))
	}

	detail := TransactionDetail{Receipts: receipts, Invoices: invoices, CachedAt: now}
	return agg, detail, nil
}

// RefreshPeriod fetches a month live and writes it through the cache store.
// Used by the background scheduler; a storage failure is recorded on the row
// and returned so the run is counted as failed.
func (s *Service) RefreshPeriod(ctx context.Context, tenantID string, cred *ledger.Credential, period Period) (PeriodSummary, error) {
	month, year, err := period.Parse()
	if err != nil {
		return PeriodSummary{}, err
	}
	agg, detail, err := s.fetchMonth(ctx, tenantID, cred, year, month)
	if err != nil {
		return PeriodSummary{}, err
	}
	if err := s.store.ReplaceDetailed(ctx, agg); err != nil {
		if markErr := s.store.MarkError(ctx, tenantID, period, err.Error(), s.now()); markErr != nil {
			s.logger.Error("record refresh failure", slog.String("tenant_id", tenantID), slog.Any("error", markErr))
		}
		return PeriodSummary{}, err
	}
	s.saveDetailBlob(ctx, tenantID, period, detail)
	return agg.Summary, nil
}

// saveDetailBlob writes the drill-down blob, logging failure only.
func (s *Service) saveDetailBlob(ctx context.Context, tenantID string, period Period, detail TransactionDetail) {
	if err := s.details.SaveDetail(ctx, tenantID, period, detail); err != nil {
		s.logger.Warn("detail blob write failed",
			slog.String("tenant_id", tenantID),
			slog.String("period", string(period)),
			slog.Any("error", err))
	}
}

// GetOrRefreshPeriod is the read-path entry point. It serves a fresh cache
// hit, else fetches live and writes through, else degrades to any cached
// value flagged stale, and errors only when nothing at all can be shown.
func (s *Service) GetOrRefreshPeriod(ctx context.Context, tenantID string, cred *ledger.Credential, period Period) (Report, error) {
	cached, err := s.store.Get(ctx, tenantID, period)
	if err == nil && cached.UpdateStatus == StatusSuccess {
		return s.cacheReport(ctx, cached, false), nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("cache read failed, trying live",
			slog.String("tenant_id", tenantID), slog.String("period", string(period)), slog.Any("error", err))
	}

	month, year, perr := period.Parse()
	if perr != nil {
		return Report{}, perr
	}
	agg, detail, liveErr := s.fetchMonth(ctx, tenantID, cred, year, month)
	if liveErr == nil {
		// Storage trouble must not hide a live value from the caller;
		// the value just will not be cached this round.
		if err := s.store.ReplaceDetailed(ctx, agg); err != nil {
			s.logger.Error("write-through failed",
				slog.String("tenant_id", tenantID), slog.String("period", string(period)), slog.Any("error", err))
		} else {
			s.saveDetailBlob(ctx, tenantID, period, detail)
		}
		return Report{Summary: agg.Summary, Detail: &detail, Source: SourceLive}, nil
	}
	s.logger.Warn("live fetch failed, falling back to cache",
		slog.String("tenant_id", tenantID), slog.String("period", string(period)), slog.Any("error", liveErr))

	// Stale fallback: the requested period regardless of status, else the
	// most recent period the tenant has at all.
	if stale, err := s.store.Get(ctx, tenantID, period); err == nil {
		return s.cacheReport(ctx, stale, true), nil
	}
	if periods, err := s.store.ListPeriods(ctx, tenantID); err == nil && len(periods) > 0 {
		return s.cacheReport(ctx, periods[0], true), nil
	}
	return Report{}, fmt.Errorf("period %s for tenant %s: %w: %s", period, tenantID, ErrNoData, liveErr)
}

func (s *Service) cacheReport(ctx context.Context, summary PeriodSummary, stale bool) Report {
	report := Report{Summary: summary, Source: SourceCache, Stale: stale}
	detail, err := s.details.LoadDetail(ctx, summary.TenantID, summary.Period)
	if err != nil {
		s.logger.Warn("detail blob read failed",
			slog.String("tenant_id", summary.TenantID), slog.String("period", string(summary.Period)), slog.Any("error", err))
	} else {
		report.Detail = detail
	}
	return report
}

// GetCachedPeriod serves straight from the cache without touching upstream.
func (s *Service) GetCachedPeriod(ctx context.Context, tenantID string, period Period) (Report, error) {
	summary, err := s.store.Get(ctx, tenantID, period)
	if err != nil {
		return Report{}, err
	}
	return s.cacheReport(ctx, summary, false), nil
}

// GetDetailedMonth returns the cached summary plus its rollup slices.
func (s *Service) GetDetailedMonth(ctx context.Context, tenantID string, period Period) (DetailedMonth, error) {
	summary, err := s.store.Get(ctx, tenantID, period)
	if err != nil {
		return DetailedMonth{}, err
	}
	products, err := s.store.ListProductRollups(ctx, tenantID, period)
	if err != nil {
		return DetailedMonth{}, err
	}
	customers, err := s.store.ListCustomerRollups(ctx, tenantID, period)
	if err != nil {
		return DetailedMonth{}, err
	}
	return DetailedMonth{Summary: summary, Products: products, Customers: customers}, nil
}

// ListCachedPeriods returns every cached month for the tenant, newest first.
func (s *Service) ListCachedPeriods(ctx context.Context, tenantID string) ([]PeriodSummary, error) {
	return s.store.ListPeriods(ctx, tenantID)
}

// Stats reports cache counters for the admin surface.
func (s *Service) Stats(ctx context.Context) (CacheStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	stats.DetailKeyspace = "redis/sales:detail"
	return stats, nil
}

// PruneOlderThan removes summaries stale beyond the retention window.
func (s *Service) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.store.Prune(ctx, s.now().Add(-maxAge))
}
