package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
)

// productAccumulator gathers per-product figures while a month is folded.
// It is converted to a ProductRollup by finalize and never reused.
type productAccumulator struct {
	id        string
	name      string
	units     decimal.Decimal
	sales     decimal.Decimal
	txns      map[int]struct{}
	customers map[string]struct{}
}

type customerAccumulator struct {
	id       string
	name     string
	sales    decimal.Decimal
	units    decimal.Decimal
	txns     int
	products map[string]struct{}
}

// monthAccumulator is the in-progress fold over a transaction batch.
// Accumulator keys follow first-encounter order so repeated runs over the
// same input produce identical output.
type monthAccumulator struct {
	receiptsCount int
	receiptsTotal decimal.Decimal
	invoicesCount int
	invoicesTotal decimal.Decimal
	totalUnits    decimal.Decimal

	products      map[string]*productAccumulator
	productOrder  []string
	customers     map[string]*customerAccumulator
	customerOrder []string

	skipped []RecordError
}

func newMonthAccumulator() *monthAccumulator {
	return &monthAccumulator{
		products:  make(map[string]*productAccumulator),
		customers: make(map[string]*customerAccumulator),
	}
}

// validateTransaction rejects records that cannot participate in the fold.
func validateTransaction(t ledger.Transaction) error {
	if t.Kind != ledger.KindReceipt && t.Kind != ledger.KindInvoice {
		return fmt.Errorf("unknown transaction kind %q", t.Kind)
	}
	for i, line := range t.Lines {
		if line.DetailType == ledger.SalesItemDetailType && line.ItemDetail == nil {
			return fmt.Errorf("line %d: missing sales item detail", i)
		}
	}
	return nil
}

func (m *monthAccumulator) add(index int, t ledger.Transaction) {
	if err := validateTransaction(t); err != nil {
		m.skipped = append(m.skipped, RecordError{Index: index, Kind: string(t.Kind), Reason: err.Error()})
		return
	}

	switch t.Kind {
	case ledger.KindReceipt:
		m.receiptsCount++
		m.receiptsTotal = m.receiptsTotal.Add(t.TotalAmt)
	case ledger.KindInvoice:
		m.invoicesCount++
		m.invoicesTotal = m.invoicesTotal.Add(t.TotalAmt)
	}

	custID, custName := NoCustomerID, NoCustomerName
	if t.CustomerRef != nil && t.CustomerRef.Value != "" {
		custID = t.CustomerRef.Value
		custName = t.CustomerRef.Name
	}
	cust := m.customer(custID, custName)
	cust.txns++
	cust.sales = cust.sales.Add(t.TotalAmt)

	for _, line := range t.Lines {
		if line.DetailType != ledger.SalesItemDetailType {
			continue
		}
		prodID, prodName := UnknownItemID, UnknownItemName
		if line.ItemDetail.ItemRef.Value != "" {
			prodID = line.ItemDetail.ItemRef.Value
			prodName = line.ItemDetail.ItemRef.Name
		}
		qty := line.ItemDetail.Qty

		prod := m.product(prodID, prodName)
		prod.units = prod.units.Add(qty)
		prod.sales = prod.sales.Add(line.Amount)
		prod.txns[index] = struct{}{}
		prod.customers[custID] = struct{}{}

		cust.units = cust.units.Add(qty)
		cust.products[prodID] = struct{}{}

		m.totalUnits = m.totalUnits.Add(qty)
	}
}

func (m *monthAccumulator) product(id, name string) *productAccumulator {
	if p, ok := m.products[id]; ok {
		return p
	}
	p := &productAccumulator{
		id:        id,
		name:      name,
		txns:      make(map[int]struct{}),
		customers: make(map[string]struct{}),
	}
	m.products[id] = p
	m.productOrder = append(m.productOrder, id)
	return p
}

func (m *monthAccumulator) customer(id, name string) *customerAccumulator {
	if c, ok := m.customers[id]; ok {
		return c
	}
	c := &customerAccumulator{
		id:       id,
		name:     name,
		products: make(map[string]struct{}),
	}
	m.customers[id] = c
	m.customerOrder = append(m.customerOrder, id)
	return c
}

// averagePrice returns sales/units, defined as zero when no units were sold.
func averagePrice(sales, units decimal.Decimal) decimal.Decimal {
	if units.IsZero() {
		return decimal.Zero
	}
	return sales.DivRound(units, 4)
}

// finalize converts the accumulating state into immutable rollups. Set-based
// uniqueness trackers become plain counts here; the accumulator must not be
// written to afterwards.
func (m *monthAccumulator) finalize(tenantID string, period Period, bounds ledger.DateRange, now time.Time) DetailedMonth {
	summary := PeriodSummary{
		TenantID:        tenantID,
		Period:          period,
		TotalSales:      m.receiptsTotal.Add(m.invoicesTotal),
		ReceiptsCount:   m.receiptsCount,
		ReceiptsTotal:   m.receiptsTotal,
		InvoicesCount:   m.invoicesCount,
		InvoicesTotal:   m.invoicesTotal,
		StartDate:       bounds.StartDate(),
		EndDate:         bounds.EndDate(),
		TotalUnits:      m.totalUnits,
		UniqueCustomers: len(m.customers),
		UniqueProducts:  len(m.products),
		LastUpdated:     now,
		UpdateStatus:    StatusSuccess,
	}

	products := make([]ProductRollup, 0, len(m.productOrder))
	for _, id := range m.productOrder {
		p := m.products[id]
		products = append(products, ProductRollup{
			TenantID:         tenantID,
			Period:           period,
			ProductID:        p.id,
			ProductName:      p.name,
			UnitsSold:        p.units,
			TotalSales:       p.sales,
			AveragePrice:     averagePrice(p.sales, p.units),
			TransactionCount: len(p.txns),
			UniqueCustomers:  len(p.customers),
		})
	}

	customers := make([]CustomerRollup, 0, len(m.customerOrder))
	for _, id := range m.customerOrder {
		c := m.customers[id]
		customers = append(customers, CustomerRollup{
			TenantID:         tenantID,
			Period:           period,
			CustomerID:       c.id,
			CustomerName:     c.name,
			TotalSales:       c.sales,
			TotalUnits:       c.units,
			TransactionCount: c.txns,
			UniqueProducts:   len(c.products),
		})
	}

	return DetailedMonth{Summary: summary, Products: products, Customers: customers}
}

// AggregateDetailed folds a transaction batch into a finalized month
// aggregate. Malformed records are skipped and reported, never aborting the
// fold over the remaining records.
func AggregateDetailed(tenantID string, period Period, bounds ledger.DateRange, txns []ledger.Transaction, now time.Time) (DetailedMonth, []RecordError) {
	acc := newMonthAccumulator()
	for i, t := range txns {
		acc.add(i, t)
	}
	return acc.finalize(tenantID, period, bounds, now), acc.skipped
}

// AggregateMonth folds a transaction batch into the monthly summary only.
func AggregateMonth(tenantID string, period Period, bounds ledger.DateRange, txns []ledger.Transaction, now time.Time) PeriodSummary {
	month, _ := AggregateDetailed(tenantID, period, bounds, txns, now)
	return month.Summary
}
