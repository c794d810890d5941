package shift

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// CashMovement types.
const (
	MovementCashIn     = "cash_in"
	MovementCashOut    = "cash_out"
	MovementWithdrawal = "withdrawal"
	MovementExpense    = "expense"
)

// PaymentMethods are the settlement methods a report aggregates over.
var PaymentMethods = []string{"cash", "pix", "card", "voucher"}

// MovementTypes are the ledger buckets a report aggregates over.
var MovementTypes = []string{MovementCashIn, MovementCashOut, MovementWithdrawal, MovementExpense}

// Shift is one cash-register session bound to a terminal. ExpectedCash and
// Difference are written exactly once at close and never recomputed.
type Shift struct {
	ID           int64            `json:"id"`
	TerminalID   int64            `json:"terminal_id"`
	Status       string           `json:"status"`
	OpeningCash  decimal.Decimal  `json:"opening_cash"`
	ClosingCash  *decimal.Decimal `json:"closing_cash"`
	ExpectedCash *decimal.Decimal `json:"expected_cash"`
	Difference   *decimal.Decimal `json:"difference"`
	OpenedBy     *int64           `json:"opened_by"`
	OpenedAt     time.Time        `json:"opened_at"`
	ClosedBy     *int64           `json:"closed_by"`
	ClosedAt     *time.Time       `json:"closed_at"`
}

// CashMovement is an append-only till ledger entry.
type CashMovement struct {
	ID         int64           `json:"id"`
	ShiftID    int64           `json:"shift_id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     *string         `json:"reason"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// CloseResult is the audit snapshot returned by a successful close.
type CloseResult struct {
	ShiftID      int64           `json:"shift_id"`
	TerminalID   int64           `json:"terminal_id"`
	Status       string          `json:"status"`
	OpeningCash  decimal.Decimal `json:"opening_cash"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
	ClosingCash  decimal.Decimal `json:"closing_cash"`
	Difference   decimal.Decimal `json:"difference"`
	ClosedAt     time.Time       `json:"closed_at"`
}
