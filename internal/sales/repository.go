package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerpulse/ledgerpulse/internal/platform/db"
)

// Repository is the PostgreSQL-backed Period Cache Store. It exclusively
// owns the persisted summary and rollup tables; the scheduler and the read
// path are the only writers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository over the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the cache tables when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sales_cache (
			tenant_id        TEXT NOT NULL,
			period           TEXT NOT NULL,
			total_sales      NUMERIC NOT NULL DEFAULT 0,
			receipts_count   INT NOT NULL DEFAULT 0,
			receipts_total   NUMERIC NOT NULL DEFAULT 0,
			invoices_count   INT NOT NULL DEFAULT 0,
			invoices_total   NUMERIC NOT NULL DEFAULT 0,
			start_date       TEXT NOT NULL DEFAULT '',
			end_date         TEXT NOT NULL DEFAULT '',
			total_units      NUMERIC NOT NULL DEFAULT 0,
			unique_customers INT NOT NULL DEFAULT 0,
			unique_products  INT NOT NULL DEFAULT 0,
			last_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
			update_status    TEXT NOT NULL DEFAULT 'success',
			error_message    TEXT,
			PRIMARY KEY (tenant_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS sales_product_rollup (
			tenant_id         TEXT NOT NULL,
			period            TEXT NOT NULL,
			product_id        TEXT NOT NULL,
			product_name      TEXT NOT NULL DEFAULT '',
			units_sold        NUMERIC NOT NULL DEFAULT 0,
			total_sales       NUMERIC NOT NULL DEFAULT 0,
			average_price     NUMERIC NOT NULL DEFAULT 0,
			transaction_count INT NOT NULL DEFAULT 0,
			unique_customers  INT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, period, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sales_customer_rollup (
			tenant_id         TEXT NOT NULL,
			period            TEXT NOT NULL,
			customer_id       TEXT NOT NULL,
			customer_name     TEXT NOT NULL DEFAULT '',
			total_sales       NUMERIC NOT NULL DEFAULT 0,
			total_units       NUMERIC NOT NULL DEFAULT 0,
			transaction_count INT NOT NULL DEFAULT 0,
			unique_products   INT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, period, customer_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sales: migrate: %w", err)
		}
	}
	return nil
}

const summaryColumns = `tenant_id, period, total_sales::text, receipts_count, receipts_total::text,
	invoices_count, invoices_total::text, start_date, end_date, total_units::text,
	unique_customers, unique_products, last_updated, update_status, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (PeriodSummary, error) {
	var (
		s             PeriodSummary
		totalSales    string
		receiptsTotal string
		invoicesTotal string
		totalUnits    string
		errMsg        *string
	)
	err := row.Scan(&s.TenantID, &s.Period, &totalSales, &s.ReceiptsCount, &receiptsTotal,
		&s.InvoicesCount, &invoicesTotal, &s.StartDate, &s.EndDate, &totalUnits,
		&s.UniqueCustomers, &s.UniqueProducts, &s.LastUpdated, &s.UpdateStatus, &errMsg)
	if err != nil {
		return PeriodSummary{}, err
	}
	if s.TotalSales, err = decimal.NewFromString(totalSales); err != nil {
		return PeriodSummary{}, err
	}
	if s.ReceiptsTotal, err = decimal.NewFromString(receiptsTotal); err != nil {
		return PeriodSummary{}, err
	}
	if s.InvoicesTotal, err = decimal.NewFromString(invoicesTotal); err != nil {
		return PeriodSummary{}, err
	}
	if s.TotalUnits, err = decimal.NewFromString(totalUnits); err != nil {
		return PeriodSummary{}, err
	}
	if errMsg != nil {
		s.ErrorMessage = *errMsg
	}
	return s, nil
}

// Get returns the cached summary for (tenant, period).
func (r *Repository) Get(ctx context.Context, tenantID string, period Period) (PeriodSummary, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM sales_cache WHERE tenant_id = $1 AND period = $2`,
		tenantID, string(period))
	s, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PeriodSummary{}, ErrNotFound
		}
		return PeriodSummary{}, fmt.Errorf("sales: get %s/%s: %w", tenantID, period, err)
	}
	return s, nil
}

const upsertSummarySQL = `INSERT INTO sales_cache (
		tenant_id, period, total_sales, receipts_count, receipts_total,
		invoices_count, invoices_total, start_date, end_date, total_units,
		unique_customers, unique_products, last_updated, update_status, error_message
	) VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6, $7::numeric, $8, $9, $10::numeric, $11, $12, $13, $14, NULL)
	ON CONFLICT (tenant_id, period) DO UPDATE SET
		total_sales = EXCLUDED.total_sales,
		receipts_count = EXCLUDED.receipts_count,
		receipts_total = EXCLUDED.receipts_total,
		invoices_count = EXCLUDED.invoices_count,
		invoices_total = EXCLUDED.invoices_total,
		start_date = EXCLUDED.start_date,
		end_date = EXCLUDED.end_date,
		total_units = EXCLUDED.total_units,
		unique_customers = EXCLUDED.unique_customers,
		unique_products = EXCLUDED.unique_products,
		last_updated = EXCLUDED.last_updated,
		update_status = EXCLUDED.update_status,
		error_message = NULL`

func upsertSummaryArgs(s PeriodSummary) []any {
	return []any{
		s.TenantID, string(s.Period), s.TotalSales.String(), s.ReceiptsCount, s.ReceiptsTotal.String(),
		s.InvoicesCount, s.InvoicesTotal.String(), s.StartDate, s.EndDate, s.TotalUnits.String(),
		s.UniqueCustomers, s.UniqueProducts, s.LastUpdated, StatusSuccess,
	}
}

// Upsert writes the summary keyed by (tenant, period), marking it successful.
func (r *Repository) Upsert(ctx context.Context, s PeriodSummary) error {
	if _, err := r.pool.Exec(ctx, upsertSummarySQL, upsertSummaryArgs(s)...); err != nil {
		return fmt.Errorf("sales: upsert %s/%s: %w", s.TenantID, s.Period, err)
	}
	return nil
}

// MarkError records a failed refresh on the existing or newly created row
// without touching the aggregated figures.
func (r *Repository) MarkError(ctx context.Context, tenantID string, period Period, message string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sales_cache (tenant_id, period, last_updated, update_status, error_message)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, period) DO UPDATE SET
			last_updated = EXCLUDED.last_updated,
			update_status = EXCLUDED.update_status,
			error_message = EXCLUDED.error_message`,
		tenantID, string(period), at, StatusError, message)
	if err != nil {
		return fmt.Errorf("sales: mark error %s/%s: %w", tenantID, period, err)
	}
	return nil
}

// ReplaceDetailed atomically replaces the summary and all product/customer
// rollup rows for the month. Readers never observe a half-deleted state.
func (r *Repository) ReplaceDetailed(ctx context.Context, month DetailedMonth) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tenantID, period := month.Summary.TenantID, string(month.Summary.Period)

		if _, err := tx.Exec(ctx, upsertSummarySQL, upsertSummaryArgs(month.Summary)...); err != nil {
			return fmt.Errorf("sales: detailed summary upsert: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM sales_product_rollup WHERE tenant_id = $1 AND period = $2`, tenantID, period); err != nil {
			return fmt.Errorf("sales: clear product rollup: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM sales_customer_rollup WHERE tenant_id = $1 AND period = $2`, tenantID, period); err != nil {
			return fmt.Errorf("sales: clear customer rollup: %w", err)
		}
		for _, p := range month.Products {
			_, err := tx.Exec(ctx,
				`INSERT INTO sales_product_rollup (tenant_id, period, product_id, product_name,
					units_sold, total_sales, average_price, transaction_count, unique_customers)
				 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)`,
				tenantID, period, p.ProductID, p.ProductName,
				p.UnitsSold.String(), p.TotalSales.String(), p.AveragePrice.String(),
				p.TransactionCount, p.UniqueCustomers)
			if err != nil {
				return fmt.Errorf("sales: insert product rollup %s: %w", p.ProductID, err)
			}
		}
		for _, c := range month.Customers {
			_, err := tx.Exec(ctx,
				`INSERT INTO sales_customer_rollup (tenant_id, period, customer_id, customer_name,
					total_sales, total_units, transaction_count, unique_products)
				 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8)`,
				tenantID, period, c.CustomerID, c.CustomerName,
				c.TotalSales.String(), c.TotalUnits.String(),
				c.TransactionCount, c.UniqueProducts)
			if err != nil {
				return fmt.Errorf("sales: insert customer rollup %s: %w", c.CustomerID, err)
			}
		}
		return nil
	})
}

// ListPeriods returns every cached summary for the tenant, newest period
// first. The MM/YYYY key sorts chronologically only when split.
func (r *Repository) ListPeriods(ctx context.Context, tenantID string) ([]PeriodSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+summaryColumns+` FROM sales_cache WHERE tenant_id = $1
		 ORDER BY substr(period, 4, 4) DESC, substr(period, 1, 2) DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("sales: list periods: %w", err)
	}
	defer rows.Close()

	var out []PeriodSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("sales: scan period: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sales: list periods: %w", err)
	}
	return out, nil
}

// ListProductRollups returns the product slice of a cached month.
func (r *Repository) ListProductRollups(ctx context.Context, tenantID string, period Period) ([]ProductRollup, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id, period, product_id, product_name, units_sold::text,
			total_sales::text, average_price::text, transaction_count, unique_customers
		 FROM sales_product_rollup WHERE tenant_id = $1 AND period = $2
		 ORDER BY total_sales DESC, product_id`,
		tenantID, string(period))
	if err != nil {
		return nil, fmt.Errorf("sales: list product rollups: %w", err)
	}
	defer rows.Close()

	var out []ProductRollup
	for rows.Next() {
		var (
			p                 ProductRollup
			units, sales, avg string
		)
		if err := rows.Scan(&p.TenantID, &p.Period, &p.ProductID, &p.ProductName, &units,
			&sales, &avg, &p.TransactionCount, &p.UniqueCustomers); err != nil {
			return nil, fmt.Errorf("sales: scan product rollup: %w", err)
		}
		if p.UnitsSold, err = decimal.NewFromString(units); err != nil {
			return nil, err
		}
		if p.TotalSales, err = decimal.NewFromString(sales); err != nil {
			return nil, err
		}
		if p.AveragePrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListCustomerRollups returns the customer slice of a cached month.
func (r *Repository) ListCustomerRollups(ctx context.Context, tenantID string, period Period) ([]CustomerRollup, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id, period, customer_id, customer_name, total_sales::text,
			total_units::text, transaction_count, unique_products
		 FROM sales_customer_rollup WHERE tenant_id = $1 AND period = $2
		 ORDER BY total_sales DESC, customer_id`,
		tenantID, string(period))
	if err != nil {
		return nil, fmt.Errorf("sales: list customer rollups: %w", err)
	}
	defer rows.Close()

	var out []CustomerRollup
	for rows.Next() {
		var (
			c            CustomerRollup
			sales, units string
		)
		if err := rows.Scan(&c.TenantID, &c.Period, &c.CustomerID, &c.CustomerName, &sales,
			&units, &c.TransactionCount, &c.UniqueProducts); err != nil {
			return nil, fmt.Errorf("sales: scan customer rollup: %w", err)
		}
		if c.TotalSales, err = decimal.NewFromString(sales); err != nil {
			return nil, err
		}
		if c.TotalUnits, err = decimal.NewFromString(units); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune deletes summaries last updated before the cutoff and returns how
// many rows went away. Rollup rows for pruned periods go with them.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM sales_product_rollup p USING sales_cache s
			 WHERE p.tenant_id = s.tenant_id AND p.period = s.period AND s.last_updated < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("sales: prune product rollups: %w", err)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM sales_customer_rollup c USING sales_cache s
			 WHERE c.tenant_id = s.tenant_id AND c.period = s.period AND s.last_updated < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("sales: prune customer rollups: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM sales_cache WHERE last_updated < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("sales: prune summaries: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Stats reports aggregate cache counters for observability.
func (r *Repository) Stats(ctx context.Context) (CacheStats, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE update_status = 'success'),
			count(*) FILTER (WHERE update_status = 'error'),
			max(last_updated), min(last_updated)
		 FROM sales_cache`)
	var (
		stats          CacheStats
		latest, oldest *time.Time
	)
	if err := row.Scan(&stats.TotalEntries, &stats.SuccessCount, &stats.FailureCount, &latest, &oldest); err != nil {
		return CacheStats{}, fmt.Errorf("sales: stats: %w", err)
	}
	stats.LatestUpdate = latest
	stats.OldestUpdate = oldest
	stats.SummaryStore = "postgres/sales_cache"
	return stats, nil
}
