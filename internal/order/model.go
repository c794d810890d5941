package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses. open -> sent -> paid, or open|sent -> canceled.
const (
	StatusOpen     = "open"
	StatusSent     = "sent"
	StatusPaid     = "paid"
	StatusCanceled = "canceled"
)

// Item statuses. pending -> sent -> done, or pending|sent -> canceled.
const (
	ItemPending  = "pending"
	ItemSent     = "sent"
	ItemDone     = "done"
	ItemCanceled = "canceled"
)

const (
	TypeTable    = "table"
	TypeCounter  = "counter"
	TypeDelivery = "delivery"
)

// Payment statuses. Payments are created confirmed; there is no pending
// state server-side.
const (
	PaymentConfirmed = "confirmed"
	PaymentReversed  = "reversed"
)

type Order struct {
	ID         int64           `json:"id"`
	ClientUID  *string         `json:"client_uid"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	TableID    *int64          `json:"table_id"`
	TerminalID *int64          `json:"terminal_id"`
	ShiftID    *int64          `json:"shift_id"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	ServiceFee decimal.Decimal `json:"service_fee"`
	Total      decimal.Decimal `json:"total"`
	OpenedBy   *int64          `json:"opened_by"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedBy   *int64          `json:"closed_by"`
	ClosedAt   *time.Time      `json:"closed_at"`
	Items      []Item          `json:"items,omitempty"`
	Payments   []Payment       `json:"payments,omitempty"`
}

type Item struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"order_id"`
	ClientUID    *string         `json:"client_uid"`
	Name         string          `json:"name"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Total        decimal.Decimal `json:"total"`
	Status       string          `json:"status"`
	Notes        *string         `json:"notes"`
	CancelReason *string         `json:"cancel_reason"`
	CanceledBy   *int64          `json:"canceled_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Payment struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ClientUID *string         `json:"client_uid"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	PaidAt    time.Time       `json:"paid_at"`
}

// Finalized reports whether the order accepts no further items or payments.
func (o *Order) Finalized() bool {
	return o.Status == StatusPaid || o.Status == StatusCanceled
}

// Settled reports whether the confirmed-payment sum covers the order total.
func Settled(paid, total decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(total)
}

// ItemTotal is the canonical line total: quantity x unit price, rounded to
// cents.
func ItemTotal(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitPrice).Round(2)
}
