package order

import "github.com/shopspring/decimal"

// OpenRequest opens (or idempotently re-opens) an order.
type OpenRequest struct {
	ClientUID  *string `json:"client_uid"`
	Type       string  `json:"type" binding:"required,oneof=table counter delivery"`
	TableID    *int64  `json:"table_id"`
	TerminalID *int64  `json:"terminal_id"`
}

// AddItemRequest appends one line to an order.
type AddItemRequest struct {
	ClientUID *string         `json:"client_uid"`
	Name      string          `json:"name" binding:"required,max=120"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     *string         `json:"notes"`
}

// CancelItemRequest voids one line, with an audit reason.
type CancelItemRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

// PaymentRequest records one confirmed payment against an order.
type PaymentRequest struct {
	ClientUID *string         `json:"client_uid"`
	Method    string          `json:"method" binding:"required,oneof=cash pix card voucher"`
	Amount    decimal.Decimal `json:"amount"`
}
