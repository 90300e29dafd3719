package sales

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
)

const topRankSize = 5

// BuildAnnual composes the yearly rollup. A previously materialized document
// is served unless force is set; otherwise months are read from the cache
// store, falling back to a live fetch per missing month. Future months of
// the current year are never projected.
func (s *Service) BuildAnnual(ctx context.Context, tenantID string, cred *ledger.Credential, year int, force bool) (AnnualSummary, error) {
	if force {
		if err := s.details.DropAnnual(ctx, tenantID, year); err != nil {
			s.logger.Warn("drop annual doc failed", slog.String("tenant_id", tenantID), slog.Int("year", year), slog.Any("error", err))
		}
	} else {
		doc, err := s.details.LoadAnnual(ctx, tenantID, year)
		if err != nil {
			s.logger.Warn("annual doc read failed", slog.String("tenant_id", tenantID), slog.Int("year", year), slog.Any("error", err))
		}
		if doc != nil {
			return *doc, nil
		}
	}

	now := s.now()
	lastMonth := time.December
	if year == now.Year() {
		lastMonth = now.Month()
	}

	doc := AnnualSummary{
		TenantID:    tenantID,
		Year:        year,
		WorstMonth:  MonthStat{Name: WorstMonthNA, Period: WorstMonthNA},
		GeneratedAt: now,
	}

	var (
		bestSet  bool
		worstSet bool
	)
	for m := time.January; m <= lastMonth; m++ {
		period := PeriodOf(year, m)
		summary, err := s.monthForAnnual(ctx, tenantID, cred, period)
		if err != nil {
			// One broken month must not sink the whole year.
			s.logger.Warn("annual rollup month skipped",
				slog.String("tenant_id", tenantID), slog.String("period", string(period)), slog.Any("error", err))
			continue
		}

		doc.Months = append(doc.Months, MonthEntry{Month: int(m), Name: m.String(), Summary: summary})
		doc.TotalAnnual = doc.TotalAnnual.Add(summary.TotalSales)
		doc.ReceiptsCount += summary.ReceiptsCount
		doc.ReceiptsTotal = doc.ReceiptsTotal.Add(summary.ReceiptsTotal)
		doc.InvoicesCount += summary.InvoicesCount
		doc.InvoicesTotal = doc.InvoicesTotal.Add(summary.InvoicesTotal)

		total := summary.TotalSales
		if total.IsPositive() {
			doc.MonthsWithSales++
		}
		if !bestSet || total.GreaterThan(doc.BestMonth.Total) {
			doc.BestMonth = MonthStat{Name: m.String(), Period: string(period), Total: total}
			bestSet = true
		}
		if total.IsPositive() && (!worstSet || total.LessThan(doc.WorstMonth.Total)) {
			doc.WorstMonth = MonthStat{Name: m.String(), Period: string(period), Total: total}
			worstSet = true
		}
	}

	if doc.MonthsWithSales > 0 {
		doc.MonthlyAverage = doc.TotalAnnual.DivRound(decimal.NewFromInt(int64(doc.MonthsWithSales)), 4)
	}
	doc.TopProducts, doc.TopCustomers = s.annualRankings(ctx, tenantID, doc.Months)

	if err := s.details.SaveAnnual(ctx, doc); err != nil {
		s.logger.Warn("annual doc write failed", slog.String("tenant_id", tenantID), slog.Int("year", year), slog.Any("error", err))
	}
	return doc, nil
}

// monthForAnnual prefers the cache and refreshes live only when the month is
// missing or its last refresh failed.
func (s *Service) monthForAnnual(ctx context.Context, tenantID string, cred *ledger.Credential, period Period) (PeriodSummary, error) {
	summary, err := s.store.Get(ctx, tenantID, period)
	if err == nil && summary.UpdateStatus == StatusSuccess {
		return summary, nil
	}
	return s.RefreshPeriod(ctx, tenantID, cred, period)
}

// annualRankings folds the cached monthly rollups into year-level top-N
// lists. Best-effort: on any read failure the rankings are simply omitted.
func (s *Service) annualRankings(ctx context.Context, tenantID string, months []MonthEntry) ([]ProductRank, []CustomerRank) {
	prodTotals := make(map[string]*ProductRank)
	custTotals := make(map[string]*CustomerRank)
	for _, entry := range months {
		products, err := s.store.ListProductRollups(ctx, tenantID, entry.Summary.Period)
		if err != nil {
			s.logger.Warn("annual rankings skipped", slog.String("tenant_id", tenantID), slog.Any("error", err))
			return nil, nil
		}
		for _, p := range products {
			rank, ok := prodTotals[p.ProductID]
			if !ok {
				rank = &ProductRank{ProductID: p.ProductID, Name: p.ProductName}
				prodTotals[p.ProductID] = rank
			}
			rank.TotalSales = rank.TotalSales.Add(p.TotalSales)
			rank.UnitsSold = rank.UnitsSold.Add(p.UnitsSold)
		}
		customers, err := s.store.ListCustomerRollups(ctx, tenantID, entry.Summary.Period)
		if err != nil {
			s.logger.Warn("annual rankings skipped", slog.String("tenant_id", tenantID), slog.Any("error", err))
			return nil, nil
		}
		for _, c := range customers {
			rank, ok := custTotals[c.CustomerID]
			if !ok {
				rank = &CustomerRank{CustomerID: c.CustomerID, Name: c.CustomerName}
				custTotals[c.CustomerID] = rank
			}
			rank.TotalSales = rank.TotalSales.Add(c.TotalSales)
			rank.TotalUnits = rank.TotalUnits.Add(c.TotalUnits)
		}
	}

	products := make([]ProductRank, 0, len(prodTotals))
	for _, r := range prodTotals {
		products = append(products, *r)
	}
	sort.Slice(products, func(i, j int) bool {
		if !products[i].TotalSales.Equal(products[j].TotalSales) {
			return products[i].TotalSales.GreaterThan(products[j].TotalSales)
		}
		return products[i].ProductID < products[j].ProductID
	})
	if len(products) > topRankSize {
		products = products[:topRankSize]
	}

	customers := make([]CustomerRank, 0, len(custTotals))
	for _, r := range custTotals {
		customers = append(customers, *r)
	}
	sort.Slice(customers, func(i, j int) bool {
		if !customers[i].TotalSales.Equal(customers[j].TotalSales) {
			return customers[i].TotalSales.GreaterThan(customers[j].TotalSales)
		}
		return customers[i].CustomerID < customers[j].CustomerID
	})
	if len(customers) > topRankSize {
		customers = customers[:topRankSize]
	}
	return products, customers
}

var quarterNames = map[string]string{
	"Q1": "First quarter (Jan-Mar)",
	"Q2": "Second quarter (Apr-Jun)",
	"Q3": "Third quarter (Jul-Sep)",
	"Q4": "Fourth quarter (Oct-Dec)",
}

// GetQuarterly buckets the annual rollup into four quarters.
func (s *Service) GetQuarterly(ctx context.Context, tenantID string, cred *ledger.Credential, year int) (QuarterlyReport, error) {
	annual, err := s.BuildAnnual(ctx, tenantID, cred, year, false)
	if err != nil {
		return QuarterlyReport{}, err
	}
	report := QuarterlyReport{TenantID: tenantID, Year: year, TotalAnnual: annual.TotalAnnual}
	for q := 0; q < 4; q++ {
		key := []string{"Q1", "Q2", "Q3", "Q4"}[q]
		quarter := QuarterSummary{Quarter: key, Name: quarterNames[key]}
		for _, entry := range annual.Months {
			if (entry.Month-1)/3 != q {
				continue
			}
			quarter.Months = append(quarter.Months, entry)
			quarter.Total = quarter.Total.Add(entry.Summary.TotalSales)
			quarter.ReceiptsTotal = quarter.ReceiptsTotal.Add(entry.Summary.ReceiptsTotal)
			quarter.InvoicesTotal = quarter.InvoicesTotal.Add(entry.Summary.InvoicesTotal)
		}
		report.Quarters = append(report.Quarters, quarter)
	}
	return report, nil
}

// ComparePeriods contrasts a year against the one before it.
func (s *Service) ComparePeriods(ctx context.Context, tenantID string, cred *ledger.Credential, year int) (YearComparison, error) {
	current, err := s.BuildAnnual(ctx, tenantID, cred, year, false)
	if err != nil {
		return YearComparison{}, err
	}
	previous, err := s.BuildAnnual(ctx, tenantID, cred, year-1, false)
	if err != nil {
		return YearComparison{}, err
	}

	diff := current.TotalAnnual.Sub(previous.TotalAnnual)
	pct := decimal.Zero
	if previous.TotalAnnual.IsPositive() {
		pct = diff.DivRound(previous.TotalAnnual, 4).Mul(decimal.NewFromInt(100))
	}
	trend := TrendFlat
	switch {
	case diff.IsPositive():
		trend = TrendGrowth
	case diff.IsNegative():
		trend = TrendDecline
	}
	return YearComparison{
		TenantID:      tenantID,
		Year:          year,
		PreviousYear:  year - 1,
		CurrentTotal:  current.TotalAnnual,
		PreviousTotal: previous.TotalAnnual,
		Difference:    diff,
		PercentChange: pct,
		Trend:         trend,
	}, nil
}
