package shift

import "github.com/shopspring/decimal"

// CashTotals are the confirmed-cash contributions to a shift's till.
type CashTotals struct {
	CashSales  decimal.Decimal
	CashIn     decimal.Decimal
	CashOut    decimal.Decimal
	Withdrawal decimal.Decimal
	Expense    decimal.Decimal
}

// ExpectedCash derives the till balance a shift should contain:
// opening + cash sales + cash_in - cash_out - withdrawal - expense.
func ExpectedCash(opening decimal.Decimal, t CashTotals) decimal.Decimal {
	return opening.
		Add(t.CashSales).
		Add(t.CashIn).
		Sub(t.CashOut).
		Sub(t.Withdrawal).
		Sub(t.Expense).
		Round(2)
}

// Difference is the counted-vs-expected delta persisted at close.
func Difference(closing, expected decimal.Decimal) decimal.Decimal {
	return closing.Sub(expected).Round(2)
}

// TotalsFrom picks the cash-relevant buckets out of the per-method sales and
// per-type movement aggregates.
func TotalsFrom(salesByMethod, movementsByType map[string]decimal.Decimal) CashTotals {
	return CashTotals{
		CashSales:  salesByMethod["cash"],
		CashIn:     movementsByType[MovementCashIn],
		CashOut:    movementsByType[MovementCashOut],
		Withdrawal: movementsByType[MovementWithdrawal],
		Expense:    movementsByType[MovementExpense],
	}
}
