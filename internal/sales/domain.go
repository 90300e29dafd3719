package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
)

var (
	// ErrNotFound indicates no cache entry exists for the requested key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrNoData indicates neither live data nor any cached fallback exists.
	ErrNoData = errors.New("no live data and no cached data available")
)

// Update statuses recorded on cache rows.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Sentinels used when a transaction carries no resolvable reference.
const (
	NoCustomerID    = "no_customer"
	NoCustomerName  = "Anonymous"
	UnknownItemID   = "unknown_product"
	UnknownItemName = "Unknown product"
	// WorstMonthNA marks the worst-month slot when no month had sales.
	WorstMonthNA = "N/A"
)

// Period identifies a calendar month as "MM/YYYY".
type Period string

// PeriodOf formats a year/month pair as a Period.
func PeriodOf(year int, month time.Month) Period {
	return Period(fmt.Sprintf("%02d/%d", int(month), year))
}

// CurrentPeriod returns the period containing the given instant.
func CurrentPeriod(now time.Time) Period {
	return PeriodOf(now.Year(), now.Month())
}

// Parse splits the period into its month and year. Malformed periods are
// rejected.
func (p Period) Parse() (time.Month, int, error) {
	var month, year int
	if _, err := fmt.Sscanf(string(p), "%02d/%04d", &month, &year); err != nil {
		return 0, 0, fmt.Errorf("malformed period %q: %w", p, err)
	}
	if month < 1 || month > 12 || year < 1 {
		return 0, 0, fmt.Errorf("malformed period %q", p)
	}
	return time.Month(month), year, nil
}

// Valid reports whether the period parses as MM/YYYY.
func (p Period) Valid() bool {
	_, _, err := p.Parse()
	return err == nil
}

// PeriodSummary is the aggregated view of one tenant month.
type PeriodSummary struct {
	TenantID        string          `json:"tenant_id"`
	Period          Period          `json:"period"`
	TotalSales      decimal.Decimal `json:"total_sales"`
	ReceiptsCount   int             `json:"receipts_count"`
	ReceiptsTotal   decimal.Decimal `json:"receipts_total"`
	InvoicesCount   int             `json:"invoices_count"`
	InvoicesTotal   decimal.Decimal `json:"invoices_total"`
	StartDate       string          `json:"start_date"`
	EndDate         string          `json:"end_date"`
	TotalUnits      decimal.Decimal `json:"total_units"`
	UniqueCustomers int             `json:"unique_customers"`
	UniqueProducts  int             `json:"unique_products"`
	LastUpdated     time.Time       `json:"last_updated"`
	UpdateStatus    string          `json:"update_status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// ProductRollup is the per-product slice of one tenant month. Rows are
// replaced wholesale on every detailed refresh, never partially updated.
type ProductRollup struct {
	TenantID         string          `json:"tenant_id"`
	Period           Period          `json:"period"`
	ProductID        string          `json:"product_id"`
	ProductName      string          `json:"product_name"`
	UnitsSold        decimal.Decimal `json:"units_sold"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	TransactionCount int             `json:"transaction_count"`
	UniqueCustomers  int             `json:"unique_customers"`
}

// CustomerRollup is the per-customer slice of one tenant month.
type CustomerRollup struct {
	TenantID         string          `json:"tenant_id"`
	Period           Period          `json:"period"`
	CustomerID       string          `json:"customer_id"`
	CustomerName     string          `json:"customer_name"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	TotalUnits       decimal.Decimal `json:"total_units"`
	TransactionCount int             `json:"transaction_count"`
	UniqueProducts   int             `json:"unique_products"`
}

// RecordError describes a malformed transaction skipped during aggregation.
type RecordError struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// DetailedMonth is a finalized month aggregate: the summary plus product and
// customer rollups. Once built it is immutable; further transactions require
// a fresh aggregation pass.
type DetailedMonth struct {
	Summary   PeriodSummary    `json:"summary"`
	Products  []ProductRollup  `json:"products"`
	Customers []CustomerRollup `json:"customers"`
}

// TransactionDetail is the denormalized drill-down blob persisted alongside
// a summary write. Best-effort: its absence never fails the summary.
type TransactionDetail struct {
	Receipts []ledger.Transaction `json:"receipts"`
	Invoices []ledger.Transaction `json:"invoices"`
	CachedAt time.Time            `json:"cached_at"`
	Version  string               `json:"cache_version"`
}

// Report is the read-path result: the summary, where it came from, and
// whether it is known-stale.
type Report struct {
	Summary PeriodSummary      `json:"summary"`
	Detail  *TransactionDetail `json:"detail,omitempty"`
	Source  string             `json:"source"`
	Stale   bool               `json:"stale,omitempty"`
}

// Report sources.
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// MonthEntry is one month inside an annual document.
type MonthEntry struct {
	Month   int           `json:"month"`
	Name    string        `json:"name"`
	Summary PeriodSummary `json:"summary"`
}

// MonthStat names a best/worst month pick.
type MonthStat struct {
	Name   string          `json:"name"`
	Period string          `json:"period"`
	Total  decimal.Decimal `json:"total"`
}

// ProductRank is one row of the top-products ranking.
type ProductRank struct {
	ProductID  string          `json:"product_id"`
	Name       string          `json:"name"`
	TotalSales decimal.Decimal `json:"total_sales"`
	UnitsSold  decimal.Decimal `json:"units_sold"`
}

// CustomerRank is one row of the top-customers ranking.
type CustomerRank struct {
	CustomerID string          `json:"customer_id"`
	Name       string          `json:"name"`
	TotalSales decimal.Decimal `json:"total_sales"`
	TotalUnits decimal.Decimal `json:"total_units"`
}

// AnnualSummary is the materialized yearly rollup composed from twelve (or
// fewer, for the current year) monthly summaries.
type AnnualSummary struct {
	TenantID        string          `json:"tenant_id"`
	Year            int             `json:"year"`
	TotalAnnual     decimal.Decimal `json:"total_annual"`
	ReceiptsCount   int             `json:"receipts_count"`
	ReceiptsTotal   decimal.Decimal `json:"receipts_total"`
	InvoicesCount   int             `json:"invoices_count"`
	InvoicesTotal   decimal.Decimal `json:"invoices_total"`
	Months          []MonthEntry    `json:"months"`
	BestMonth       MonthStat       `json:"best_month"`
	WorstMonth      MonthStat       `json:"worst_month"`
	MonthsWithSales int             `json:"months_with_sales"`
	MonthlyAverage  decimal.Decimal `json:"monthly_average"`
	TopProducts     []ProductRank   `json:"top_products,omitempty"`
	TopCustomers    []CustomerRank  `json:"top_customers,omitempty"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// QuarterSummary is a three-month bucket of an annual report.
type QuarterSummary struct {
	Quarter       string          `json:"quarter"`
	Name          string          `json:"name"`
	Total         decimal.Decimal `json:"total"`
	ReceiptsTotal decimal.Decimal `json:"receipts_total"`
	InvoicesTotal decimal.Decimal `json:"invoices_total"`
	Months        []MonthEntry    `json:"months"`
}

// QuarterlyReport groups a year into four quarters.
type QuarterlyReport struct {
	TenantID    string           `json:"tenant_id"`
	Year        int              `json:"year"`
	TotalAnnual decimal.Decimal  `json:"total_annual"`
	Quarters    []QuarterSummary `json:"quarters"`
}

// YearComparison contrasts two annual totals.
type YearComparison struct {
	TenantID      string          `json:"tenant_id"`
	Year          int             `json:"year"`
	PreviousYear  int             `json:"previous_year"`
	CurrentTotal  decimal.Decimal `json:"current_total"`
	PreviousTotal decimal.Decimal `json:"previous_total"`
	Difference    decimal.Decimal `json:"difference"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Trend         string          `json:"trend"`
}

// Trend labels for YearComparison.
const (
	TrendGrowth  = "growth"
	TrendDecline = "decline"
	TrendFlat    = "flat"
)

// CacheStats summarizes the state of the persisted cache.
type CacheStats struct {
	TotalEntries   int        `json:"total_entries"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	LatestUpdate   *time.Time `json:"latest_update,omitempty"`
	OldestUpdate   *time.Time `json:"oldest_update,omitempty"`
	SummaryStore   string     `json:"summary_store"`
	DetailKeyspace string     `json:"detail_keyspace"`
}
