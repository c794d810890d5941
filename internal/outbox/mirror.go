package outbox

import (
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// The local mirror holds the terminal's optimistic copy of server entities.
// The server stays sole owner of canonical identity and status; the mirror
// is reconciled by filling in server ids as confirmations arrive.

type LocalOrder struct {
	ClientUID  string
	ServerID   *int64
	Type       string
	TableID    *int64
	TerminalID int64
	Status     string
}

type LocalItem struct {
	ClientUID      string
	OrderClientUID string
	ServerID       *int64
	Name           string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	Total          decimal.Decimal
	Status         string
	Notes          *string
	CancelReason   *string
}

type LocalPayment struct {
	ClientUID      string
	OrderClientUID string
	ServerID       *int64
	Method         string
	Amount         decimal.Decimal
	Status         string
}

func (s *Store) PutLocalOrder(o LocalOrder) error {
	now := nowISO()
	_, err := s.db.Exec(`
		INSERT INTO local_orders (client_uid, server_id, type, table_id, terminal_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_uid) DO UPDATE SET
			server_id=excluded.server_id, status=excluded.status, updated_at=excluded.updated_at
	`, o.ClientUID, o.ServerID, o.Type, o.TableID, o.TerminalID, o.Status, now, now)
	return err
}

func (s *Store) GetLocalOrder(uid string) (*LocalOrder, error) {
	var o LocalOrder
	var serverID sql.NullInt64
	var tableID sql.NullInt64
	err := s.db.QueryRow(`
		SELECT client_uid, server_id, type, table_id, terminal_id, status
		FROM local_orders WHERE client_uid = ?
	`, uid).Scan(&o.ClientUID, &serverID, &o.Type, &tableID, &o.TerminalID, &o.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		o.ServerID = &serverID.Int64
	}
	if tableID.Valid {
		o.TableID = &tableID.Int64
	}
	return &o, nil
}

func (s *Store) SetOrderServerID(uid string, serverID int64) error {
	_, err := s.db.Exec(`
		UPDATE local_orders SET server_id=?, updated_at=? WHERE client_uid=?
	`, serverID, nowISO(), uid)
	return err
}

func (s *Store) PutLocalItem(it LocalItem) error {
	now := nowISO()
	_, err := s.db.Exec(`
		INSERT INTO local_items (client_uid, order_client_uid, server_id, name, quantity, unit_price,
		                         total, status, notes, cancel_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_uid) DO UPDATE SET
			server_id=excluded.server_id, status=excluded.status,
			cancel_reason=excluded.cancel_reason, updated_at=excluded.updated_at
	`, it.ClientUID, it.OrderClientUID, it.ServerID, it.Name,
		it.Quantity.String(), it.UnitPrice.String(), it.Total.String(),
		it.Status, it.Notes, it.CancelReason, now, now)
	return err
}

func (s *Store) GetLocalItem(uid string) (*LocalItem, error) {
	var it LocalItem
	var serverID sql.NullInt64
	var qty, price, total string
	err := s.db.QueryRow(`
		SELECT client_uid, order_client_uid, server_id, name, quantity, unit_price, total,
		       status, notes, cancel_reason
		FROM local_items WHERE client_uid = ?
	`, uid).Scan(&it.ClientUID, &it.OrderClientUID, &serverID, &it.Name, &qty, &price, &total,
		&it.Status, &it.Notes, &it.CancelReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		it.ServerID = &serverID.Int64
	}
	it.Quantity, _ = decimal.NewFromString(qty)
	it.UnitPrice, _ = decimal.NewFromString(price)
	it.Total, _ = decimal.NewFromString(total)
	return &it, nil
}

func (s *Store) SetItemServerID(uid string, serverID int64) error {
	_, err := s.db.Exec(`
		UPDATE local_items SET server_id=?, updated_at=? WHERE client_uid=?
	`, serverID, nowISO(), uid)
	return err
}

func (s *Store) MarkItemCanceled(uid, reason string) error {
	_, err := s.db.Exec(`
		UPDATE local_items SET status='canceled', cancel_reason=?, updated_at=? WHERE client_uid=?
	`, reason, nowISO(), uid)
	return err
}

// DeleteLocalItem removes a never-synced item together with its unsent
// add-item command. This is the only path that removes queued commands.
func (s *Store) DeleteLocalItem(uid string) error {
	if _, err := s.db.Exec(`DELETE FROM local_items WHERE client_uid=?`, uid); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		DELETE FROM outbox
		WHERE status='pending' AND type=? AND json_extract(meta, '$.item_client_uid') = ?
	`, string(TypeItemAdd), uid)
	return err
}

func (s *Store) PutLocalPayment(p LocalPayment) error {
	now := nowISO()
	_, err := s.db.Exec(`
		INSERT INTO local_payments (client_uid, order_client_uid, server_id, method, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_uid) DO UPDATE SET
			server_id=excluded.server_id, status=excluded.status, updated_at=excluded.updated_at
	`, p.ClientUID, p.OrderClientUID, p.ServerID, p.Method, p.Amount.String(), p.Status, now, now)
	return err
}

// FindPendingPayment looks for an identical not-yet-confirmed payment on
// the same order, so double taps don't enqueue the charge twice.
func (s *Store) FindPendingPayment(orderUID, method string, amount decimal.Decimal) (string, bool, error) {
	var uid string
	err := s.db.QueryRow(`
		SELECT client_uid FROM local_payments
		WHERE order_client_uid=? AND method=? AND amount=? AND status='pending'
	`, orderUID, method, amount.String()).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return uid, true, nil
}

func (s *Store) MarkPaymentConfirmed(uid string, serverID *int64) error {
	_, err := s.db.Exec(`
		UPDATE local_payments SET status='confirmed', server_id=COALESCE(?, server_id), updated_at=?
		WHERE client_uid=?
	`, serverID, nowISO(), uid)
	return err
}
