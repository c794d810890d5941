// Package order implements the server-side order lifecycle: opening,
// itemization, kitchen hand-off, cancellation and settlement. Every
// mutation runs inside a transaction that locks contended rows in the
// fixed order shift -> order -> table.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/zaiongc/pos-sync/internal/tenant"
)

var (
	ErrNotFound         = errors.New("order not found")
	ErrItemNotFound     = errors.New("order item not found")
	ErrFinalized        = errors.New("order already finalized")
	ErrItemDone         = errors.New("item already done")
	ErrItemCanceled     = errors.New("item already canceled")
	ErrNoOpenShift      = errors.New("no open shift for terminal")
	ErrShiftClosed      = errors.New("shift is closed")
	ErrTableOccupied    = errors.New("table is not free")
	ErrTableNotFound    = errors.New("table not found")
	ErrTerminalNotFound = errors.New("terminal not found")
)

type OpenParams struct {
	ClientUID  *string
	Type       string
	TableID    *int64
	TerminalID *int64
	UserID     *int64
}

type AddItemParams struct {
	ClientUID *string
	Name      string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Notes     *string
	UserID    *int64
}

type PaymentParams struct {
	ClientUID *string
	Method    string
	Amount    decimal.Decimal
	UserID    *int64
}

type Repository interface {
	Open(ctx context.Context, t tenant.Tenant, p OpenParams) (*Order, error)
	GetByID(ctx context.Context, t tenant.Tenant, id int64) (*Order, error)
	AddItem(ctx context.Context, t tenant.Tenant, orderID int64, p AddItemParams) (*Item, error)
	CancelItem(ctx context.Context, t tenant.Tenant, orderID, itemID int64, reason string, userID *int64) (*Order, error)
	MarkItemDone(ctx context.Context, t tenant.Tenant, orderID, itemID int64) (*Item, error)
	SendToKitchen(ctx context.Context, t tenant.Tenant, orderID int64) (*Order, error)
	AddPayment(ctx context.Context, t tenant.Tenant, orderID int64, p PaymentParams) (*Order, error)
	CurrentForTable(ctx context.Context, t tenant.Tenant, tableID int64) (*Order, error)
}

type PGRepo struct{ db *pgxpool.Pool }

func NewPGRepo(db *pgxpool.Pool) *PGRepo { return &PGRepo{db: db} }

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

const orderCols = `id, client_uid, type, status, table_id, terminal_id, shift_id,
	subtotal::text, discount::text, service_fee::text, total::text,
	opened_by, opened_at, closed_by, closed_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var subtotal, discount, serviceFee, total string
	err := row.Scan(&o.ID, &o.ClientUID, &o.Type, &o.Status, &o.TableID, &o.TerminalID, &o.ShiftID,
		&subtotal, &discount, &serviceFee, &total,
		&o.OpenedBy, &o.OpenedAt, &o.ClosedBy, &o.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Subtotal, o.Discount, o.ServiceFee, o.Total = dec(subtotal), dec(discount), dec(serviceFee), dec(total)
	return &o, nil
}

func getOrder(ctx context.Context, q querier, t tenant.Tenant, id int64, lock bool) (*Order, error) {
	sql := `SELECT ` + orderCols + ` FROM orders WHERE id=$1 AND account_id=$2 AND location_id=$3`
	if lock {
		sql += ` FOR UPDATE`
	}
	return scanOrder(q.QueryRow(ctx, sql, id, t.AccountID, t.LocationID))
}

func loadItems(ctx context.Context, q querier, orderID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, client_uid, name, quantity::text, unit_price::text, total::text,
		       status, notes, cancel_reason, canceled_by, created_at
		FROM order_items WHERE order_id=$1 ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var qty, price, total string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ClientUID, &it.Name, &qty, &price, &total,
			&it.Status, &it.Notes, &it.CancelReason, &it.CanceledBy, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Quantity, it.UnitPrice, it.Total = dec(qty), dec(price), dec(total)
		items = append(items, it)
	}
	return items, rows.Err()
}

func loadPayments(ctx context.Context, q querier, orderID int64) ([]Payment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, client_uid, method, amount::text, status, paid_at
		FROM payments WHERE order_id=$1 ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		var amount string
		if err := rows.Scan(&p.ID, &p.OrderID, &p.ClientUID, &p.Method, &amount, &p.Status, &p.PaidAt); err != nil {
			return nil, err
		}
		p.Amount = dec(amount)
		out = append(out, p)
	}
	return out, rows.Err()
}

func loadFull(ctx context.Context, q querier, o *Order) (*Order, error) {
	items, err := loadItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	payments, err := loadPayments(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items, o.Payments = items, payments
	return o, nil
}

// recalc re-derives subtotal and total from non-canceled items. Must run in
// the same transaction as the item mutation that made it necessary, with the
// order row already locked.
func recalc(ctx context.Context, q querier, orderID int64) error {
	_, err := q.Exec(ctx, `
		UPDATE orders o
		SET subtotal = s.sub,
		    total = s.sub - o.discount + o.service_fee,
		    updated_at = NOW()
		FROM (
			SELECT COALESCE(SUM(total), 0) AS sub
			FROM order_items
			WHERE order_id = $1 AND status <> 'canceled'
		) s
		WHERE o.id = $1
	`, orderID)
	return err
}

func (r *PGRepo) GetByID(ctx context.Context, t tenant.Tenant, id int64) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	o, err := getOrder(ctx, r.db, t, id, false)
	if err != nil {
		return nil, err
	}
	return loadFull(ctx, r.db, o)
}

func (r *PGRepo) CurrentForTable(ctx context.Context, t tenant.Tenant, tableID int64) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	o, err := scanOrder(r.db.QueryRow(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE account_id=$1 AND location_id=$2 AND table_id=$3 AND status IN ('open','sent')
		ORDER BY id DESC LIMIT 1
	`, t.AccountID, t.LocationID, tableID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return o, err
}

func (r *PGRepo) Open(ctx context.Context, t tenant.Tenant, p OpenParams) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotency by client_uid: first insert wins, replays get it back.
	if p.ClientUID != nil {
		existing, err := scanOrder(tx.QueryRow(ctx, `
			SELECT `+orderCols+` FROM orders
			WHERE account_id=$1 AND location_id=$2 AND client_uid=$3
		`, t.AccountID, t.LocationID, *p.ClientUID))
		if err == nil {
			if existing, err = loadFull(ctx, tx, existing); err != nil {
				return nil, err
			}
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if p.TerminalID != nil {
		var one int
		err := tx.QueryRow(ctx, `
			SELECT 1 FROM terminals WHERE id=$1 AND account_id=$2 AND location_id=$3
		`, *p.TerminalID, t.AccountID, t.LocationID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTerminalNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	// Table-scoped dedup comes before the shift/table locks: an open or sent
	// order already holding the table is returned as-is, even when the retry
	// arrived with a freshly synthesized client_uid.
	if p.Type == TypeTable {
		existing, err := scanOrder(tx.QueryRow(ctx, `
			SELECT `+orderCols+` FROM orders
			WHERE account_id=$1 AND location_id=$2 AND table_id=$3 AND status IN ('open','sent')
			ORDER BY id LIMIT 1
		`, t.AccountID, t.LocationID, *p.TableID))
		if err == nil {
			if existing, err = loadFull(ctx, tx, existing); err != nil {
				return nil, err
			}
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	// Resolve the shift through the terminal, under lock (shift row first).
	var shiftID *int64
	if p.TerminalID != nil {
		var id int64
		err := tx.QueryRow(ctx, `
			SELECT id FROM shifts
			WHERE account_id=$1 AND location_id=$2 AND terminal_id=$3 AND status='open'
			FOR UPDATE
		`, t.AccountID, t.LocationID, *p.TerminalID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoOpenShift
		}
		if err != nil {
			return nil, err
		}
		shiftID = &id
	}

	// Table lock last: check-then-occupy must serialize with concurrent opens.
	if p.Type == TypeTable {
		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM dining_tables
			WHERE id=$1 AND account_id=$2 AND location_id=$3
			FOR UPDATE
		`, *p.TableID, t.AccountID, t.LocationID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTableNotFound
		}
		if err != nil {
			return nil, err
		}
		if status != "free" {
			return nil, ErrTableOccupied
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dining_tables SET status='occupied', updated_at=NOW() WHERE id=$1
		`, *p.TableID); err != nil {
			return nil, err
		}
	}

	o, err := scanOrder(tx.QueryRow(ctx, `
		INSERT INTO orders (account_id, location_id, client_uid, table_id, type, terminal_id, shift_id,
		                    opened_by, status, subtotal, discount, service_fee, total, opened_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'open',0,0,0,0,NOW(),NOW(),NOW())
		RETURNING `+orderCols+`
	`, t.AccountID, t.LocationID, p.ClientUID, p.TableID, p.Type, p.TerminalID, shiftID, p.UserID))
	if err != nil {
		return nil, err
	}
	return o, tx.Commit(ctx)
}

func (r *PGRepo) AddItem(ctx context.Context, t tenant.Tenant, orderID int64, p AddItemParams) (*Item, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, t, orderID, true)
	if err != nil {
		return nil, err
	}
	if o.Finalized() {
		return nil, ErrFinalized
	}

	if p.ClientUID != nil {
		existing, err := scanItem(tx.QueryRow(ctx, `
			SELECT id, order_id, client_uid, name, quantity::text, unit_price::text, total::text,
			       status, notes, cancel_reason, canceled_by, created_at
			FROM order_items
			WHERE account_id=$1 AND location_id=$2 AND client_uid=$3 AND order_id=$4
		`, t.AccountID, t.LocationID, *p.ClientUID, orderID))
		if err == nil {
			if err := recalc(ctx, tx, orderID); err != nil {
				return nil, err
			}
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, ErrItemNotFound) {
			return nil, err
		}
	}

	total := ItemTotal(p.Quantity, p.UnitPrice)
	it, err := scanItem(tx.QueryRow(ctx, `
		INSERT INTO order_items (account_id, location_id, client_uid, order_id, name, quantity,
		                         unit_price, total, status, notes, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',$9,$10,NOW(),NOW())
		RETURNING id, order_id, client_uid, name, quantity::text, unit_price::text, total::text,
		          status, notes, cancel_reason, canceled_by, created_at
	`, t.AccountID, t.LocationID, p.ClientUID, orderID, p.Name,
		p.Quantity.String(), p.UnitPrice.String(), total.String(), p.Notes, p.UserID))
	if err != nil {
		return nil, err
	}

	if err := recalc(ctx, tx, orderID); err != nil {
		return nil, err
	}
	return it, tx.Commit(ctx)
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var qty, price, total string
	err := row.Scan(&it.ID, &it.OrderID, &it.ClientUID, &it.Name, &qty, &price, &total,
		&it.Status, &it.Notes, &it.CancelReason, &it.CanceledBy, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	it.Quantity, it.UnitPrice, it.Total = dec(qty), dec(price), dec(total)
	return &it, nil
}

func (r *PGRepo) CancelItem(ctx context.Context, t tenant.Tenant, orderID, itemID int64, reason string, userID *int64) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, t, orderID, true)
	if err != nil {
		return nil, err
	}

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM order_items WHERE id=$1 AND order_id=$2 FOR UPDATE
	`, itemID, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	if status == ItemDone {
		return nil, ErrItemDone
	}

	// Canceled items are immutable; a replayed cancel is a no-op.
	if status != ItemCanceled {
		if _, err := tx.Exec(ctx, `
			UPDATE order_items
			SET status='canceled', cancel_reason=$3, canceled_by=$4, canceled_at=NOW(), updated_at=NOW()
			WHERE id=$1 AND order_id=$2
		`, itemID, orderID, reason, userID); err != nil {
			return nil, err
		}
		if err := recalc(ctx, tx, orderID); err != nil {
			return nil, err
		}
	}

	o, err = getOrder(ctx, tx, t, orderID, false)
	if err != nil {
		return nil, err
	}
	if o, err = loadFull(ctx, tx, o); err != nil {
		return nil, err
	}
	return o, tx.Commit(ctx)
}

func (r *PGRepo) MarkItemDone(ctx context.Context, t tenant.Tenant, orderID, itemID int64) (*Item, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := getOrder(ctx, tx, t, orderID, true); err != nil {
		return nil, err
	}

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM order_items WHERE id=$1 AND order_id=$2 FOR UPDATE
	`, itemID, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	if status == ItemCanceled {
		return nil, ErrItemCanceled
	}

	it, err := scanItem(tx.QueryRow(ctx, `
		UPDATE order_items SET status='done', done_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND order_id=$2
		RETURNING id, order_id, client_uid, name, quantity::text, unit_price::text, total::text,
		          status, notes, cancel_reason, canceled_by, created_at
	`, itemID, orderID))
	if err != nil {
		return nil, err
	}
	return it, tx.Commit(ctx)
}

func (r *PGRepo) SendToKitchen(ctx context.Context, t tenant.Tenant, orderID int64) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := getOrder(ctx, tx, t, orderID, true)
	if err != nil {
		return nil, err
	}
	if o.Finalized() {
		return nil, ErrFinalized
	}

	if _, err := tx.Exec(ctx, `
		UPDATE order_items SET status='sent', sent_to_kitchen_at=NOW(), updated_at=NOW()
		WHERE order_id=$1 AND status='pending'
	`, orderID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status='sent', updated_at=NOW() WHERE id=$1
	`, orderID); err != nil {
		return nil, err
	}

	o, err = getOrder(ctx, tx, t, orderID, false)
	if err != nil {
		return nil, err
	}
	if o, err = loadFull(ctx, tx, o); err != nil {
		return nil, err
	}
	return o, tx.Commit(ctx)
}

func (r *PGRepo) AddPayment(ctx context.Context, t tenant.Tenant, orderID int64, p PaymentParams) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Unlocked read to learn the shift, then lock shift before order so the
	// global lock order (shift, order, table) holds across handlers.
	o, err := getOrder(ctx, tx, t, orderID, false)
	if err != nil {
		return nil, err
	}
	if o.ShiftID == nil {
		return nil, ErrNoOpenShift
	}

	var shiftStatus string
	err = tx.QueryRow(ctx, `
		SELECT status FROM shifts WHERE id=$1 AND account_id=$2 AND location_id=$3 FOR UPDATE
	`, *o.ShiftID, t.AccountID, t.LocationID).Scan(&shiftStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoOpenShift
	}
	if err != nil {
		return nil, err
	}
	if shiftStatus != "open" {
		return nil, ErrShiftClosed
	}

	o, err = getOrder(ctx, tx, t, orderID, true)
	if err != nil {
		return nil, err
	}
	if o.Finalized() {
		return nil, ErrFinalized
	}

	insert := true
	if p.ClientUID != nil {
		var one int
		err := tx.QueryRow(ctx, `
			SELECT 1 FROM payments
			WHERE account_id=$1 AND location_id=$2 AND client_uid=$3 AND order_id=$4
		`, t.AccountID, t.LocationID, *p.ClientUID, orderID).Scan(&one)
		if err == nil {
			insert = false
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	if insert {
		if _, err := tx.Exec(ctx, `
			INSERT INTO payments (account_id, location_id, client_uid, order_id, method, amount,
			                      status, paid_at, created_by, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,'confirmed',NOW(),$7,NOW(),NOW())
		`, t.AccountID, t.LocationID, p.ClientUID, orderID, p.Method, p.Amount.String(), p.UserID); err != nil {
			return nil, err
		}
	}

	var paidText string
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM payments
		WHERE order_id=$1 AND status='confirmed'
	`, orderID).Scan(&paidText); err != nil {
		return nil, err
	}

	if Settled(dec(paidText), o.Total) && o.Status != StatusPaid {
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status='paid', closed_at=NOW(), closed_by=$2, updated_at=NOW()
			WHERE id=$1
		`, orderID, p.UserID); err != nil {
			return nil, err
		}
		if o.TableID != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE dining_tables SET status='free', updated_at=NOW()
				WHERE id=$1 AND account_id=$2 AND location_id=$3
			`, *o.TableID, t.AccountID, t.LocationID); err != nil {
				return nil, err
			}
		}
	}

	o, err = getOrder(ctx, tx, t, orderID, false)
	if err != nil {
		return nil, err
	}
	if o, err = loadFull(ctx, tx, o); err != nil {
		return nil, err
	}
	return o, tx.Commit(ctx)
}
