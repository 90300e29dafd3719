package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes the two upstream sales document types.
type TransactionKind string

const (
	KindReceipt TransactionKind = "receipt"
	KindInvoice TransactionKind = "invoice"
)

// DateRange bounds an upstream query, inclusive on both ends.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// MonthRange returns the range covering the given calendar month. For the
// current month the end date is capped at today.
func MonthRange(year int, month time.Month, now time.Time) DateRange {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	if now.Year() == year && now.Month() == month {
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return DateRange{Start: start, End: end}
}

// StartDate formats the lower bound as the upstream date literal.
func (r DateRange) StartDate() string { return r.Start.Format("2006-01-02") }

// EndDate formats the upper bound as the upstream date literal.
func (r DateRange) EndDate() string { return r.End.Format("2006-01-02") }

func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", r.StartDate(), r.EndDate())
}

// Reference is an upstream entity pointer (id plus display name).
type Reference struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

// ItemDetail carries the line-level sales item data.
type ItemDetail struct {
	ItemRef   Reference       `json:"ItemRef"`
	Qty       decimal.Decimal `json:"Qty"`
	UnitPrice decimal.Decimal `json:"UnitPrice"`
}

// Line is a single transaction line. Only lines with DetailType
// "SalesItemLineDetail" participate in product/customer rollups.
type Line struct {
	DetailType string          `json:"DetailType"`
	ItemDetail *ItemDetail     `json:"SalesItemLineDetail,omitempty"`
	Amount     decimal.Decimal `json:"Amount"`
}

// SalesItemDetailType marks lines carrying sellable items.
const SalesItemDetailType = "SalesItemLineDetail"

// Transaction is a raw sales document as returned by the upstream ledger.
type Transaction struct {
	ID          string          `json:"Id"`
	Kind        TransactionKind `json:"-"`
	TotalAmt    decimal.Decimal `json:"TotalAmt"`
	TxnDate     string          `json:"TxnDate"`
	CustomerRef *Reference      `json:"CustomerRef,omitempty"`
	Lines       []Line          `json:"Line"`
}

// Credential is the OAuth token pair a tenant authorizes us with.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// Rotated is set when the client transparently refreshed the access
	// token during a request; callers should persist the new pair.
	Rotated bool
}
