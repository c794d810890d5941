package shift

import "github.com/shopspring/decimal"

// OpenRequest opens a shift on a terminal. Opening while one is already open
// for the terminal returns the existing shift.
type OpenRequest struct {
	TerminalID  int64           `json:"terminal_id" binding:"required"`
	OpeningCash decimal.Decimal `json:"opening_cash"`
}

// MovementRequest appends a till ledger entry.
type MovementRequest struct {
	Type   string          `json:"type" binding:"required,oneof=cash_in cash_out withdrawal expense"`
	Amount decimal.Decimal `json:"amount"`
	Reason *string         `json:"reason"`
}

// CloseRequest closes a shift against a counted till.
type CloseRequest struct {
	ClosingCash decimal.Decimal `json:"closing_cash"`
}
