// Package outbox is the terminal-local durable command queue. User actions
// are recorded here synchronously and replayed later by the sync engine;
// the package also keeps the local mirror of server entities so replies can
// be reconciled back into it.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeShiftOpen  Type = "shift.open"
	TypeOrderOpen  Type = "order.open"
	TypeItemAdd    Type = "order.item.add"
	TypePaymentAdd Type = "payment.add"
	TypeItemCancel Type = "order.item.cancel"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusRejected Status = "rejected"
)

type Command struct {
	ID          string
	Type        Type
	Payload     json.RawMessage
	DependsOn   []string
	Meta        map[string]string
	Status      Status
	Attempts    int
	NextRetryAt *time.Time
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SentAt      *time.Time
}

// RetryDue reports whether the command may be dispatched at now. A command
// that has never failed is always due.
func (c *Command) RetryDue(now time.Time) bool {
	return c.NextRetryAt == nil || !c.NextRetryAt.After(now)
}

// NewID returns a 26-character, lexicographically time-sortable unique id.
// Sorting pending commands by id preserves creation order.
func NewID() string { return ulid.Make().String() }

// Dependency tokens. meta tokens resolve against the local key/value store,
// order tokens against the local order mirror.
func MetaDep(key string) string          { return "meta:" + key }
func OrderServerIDDep(uid string) string { return fmt.Sprintf("order:%s:server_id", uid) }

// Payloads form a tagged union: exactly one shape per command type,
// validated before the command enters the queue.

type ShiftOpenPayload struct {
	TerminalID  int64           `json:"terminal_id"`
	OpeningCash decimal.Decimal `json:"opening_cash"`
}

type OrderOpenPayload struct {
	OrderClientUID string `json:"order_client_uid"`
	Type           string `json:"type"`
	TableID        *int64 `json:"table_id"`
	TerminalID     int64  `json:"terminal_id"`
}

type ItemAddPayload struct {
	OrderClientUID string          `json:"order_client_uid"`
	ItemClientUID  string          `json:"item_client_uid"`
	Name           string          `json:"name"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Notes          *string         `json:"notes"`
}

type PaymentAddPayload struct {
	OrderClientUID   string          `json:"order_client_uid"`
	PaymentClientUID string          `json:"payment_client_uid"`
	Method           string          `json:"method"`
	Amount           decimal.Decimal `json:"amount"`
}

// ItemCancelPayload carries server ids: a cancel is only enqueued once both
// the order and the item have a server identity.
type ItemCancelPayload struct {
	OrderServerID int64  `json:"order_server_id"`
	ItemServerID  int64  `json:"item_server_id"`
	Reason        string `json:"reason"`
}
