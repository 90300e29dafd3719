package sales

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var moneyPrinter = message.NewPrinter(language.English)

// FormatMoney renders an amount with grouping separators and two decimal
// places, e.g. "$1,234.50". Display only; arithmetic stays on decimals.
func FormatMoney(d decimal.Decimal) string {
	f, _ := d.Float64()
	return moneyPrinter.Sprintf("$%v",
		number.Decimal(f, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}
