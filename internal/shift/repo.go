// Package shift implements cash-register sessions: opening, the till
// ledger, the close-time reconciliation snapshot and audit reporting.
package shift

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
	ErrNotFound         = errors.New("shift not found")
	ErrAlreadyClosed    = errors.New("shift already closed")
	ErrOpenOrders       = errors.New("shift has open orders")
	ErrNotOpen          = errors.New("shift is not open")
	ErrTerminalNotFound = errors.New("terminal not found")
)

type Repository interface {
	Open(ctx context.Context, t tenant.Tenant, terminalID int64, openingCash decimal.Decimal, userID *int64) (*Shift, error)
	Current(ctx context.Context, t tenant.Tenant, terminalID *int64) (*Shift, error)
	GetByID(ctx context.Context, t tenant.Tenant, id int64) (*Shift, error)
	AddMovement(ctx context.Context, t tenant.Tenant, shiftID int64, movType string, amount decimal.Decimal, reason *string, userID *int64) (*CashMovement, error)
	Close(ctx context.Context, t tenant.Tenant, shiftID int64, closingCash decimal.Decimal, userID *int64) (*CloseResult, error)
	Report(ctx context.Context, t tenant.Tenant, shiftID int64, includeOrders bool) (*Report, error)
	Summary(ctx context.Context, t tenant.Tenant, shiftID int64) (*Summary, error)
}

type PGRepo struct{ db *pgxpool.Pool }

func NewPGRepo(db *pgxpool.Pool) *PGRepo { return &PGRepo{db: db} }

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := dec(*s)
	return &d
}

const shiftCols = `id, terminal_id, status, opening_cash::text, closing_cash::text,
	expected_cash::text, difference::text, opened_by, opened_at, closed_by, closed_at`

func scanShift(row pgx.Row) (*Shift, error) {
	var s Shift
	var opening string
	var closing, expected, difference *string
	err := row.Scan(&s.ID, &s.TerminalID, &s.Status, &opening, &closing,
		&expected, &difference, &s.OpenedBy, &s.OpenedAt, &s.ClosedBy, &s.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.OpeningCash = dec(opening)
	s.ClosingCash, s.ExpectedCash, s.Difference = decPtr(closing), decPtr(expected), decPtr(difference)
	return &s, nil
}

func (r *PGRepo) GetByID(ctx context.Context, t tenant.Tenant, id int64) (*Shift, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return scanShift(r.db.QueryRow(ctx, `
		SELECT `+shiftCols+` FROM shifts
		WHERE id=$1 AND account_id=$2 AND location_id=$3
	`, id, t.AccountID, t.LocationID))
}

func (r *PGRepo) Current(ctx context.Context, t tenant.Tenant, terminalID *int64) (*Shift, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `SELECT ` + shiftCols + ` FROM shifts
		WHERE account_id=$1 AND location_id=$2 AND status='open'`
	args := []any{t.AccountID, t.LocationID}
	if terminalID != nil {
		sql += ` AND terminal_id=$3`
		args = append(args, *terminalID)
	}
	sql += ` ORDER BY id DESC LIMIT 1`

	s, err := scanShift(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (r *PGRepo) Open(ctx context.Context, t tenant.Tenant, terminalID int64, openingCash decimal.Decimal, userID *int64) (*Shift, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, `
		SELECT 1 FROM terminals WHERE id=$1 AND account_id=$2 AND location_id=$3
	`, terminalID, t.AccountID, t.LocationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTerminalNotFound
	}
	if err != nil {
		return nil, err
	}

	// One open shift per (tenant, terminal): the locked read serializes
	// concurrent opens, and a second open returns the existing shift.
	existing, err := scanShift(tx.QueryRow(ctx, `
		SELECT `+shiftCols+` FROM shifts
		WHERE account_id=$1 AND location_id=$2 AND terminal_id=$3 AND status='open'
		FOR UPDATE
	`, t.AccountID, t.LocationID, terminalID))
	if err == nil {
		return existing, tx.Commit(ctx)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s, err := scanShift(tx.QueryRow(ctx, `
		INSERT INTO shifts (account_id, location_id, terminal_id, opened_by, status, opened_at,
		                    opening_cash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'open',NOW(),$5,NOW(),NOW())
		RETURNING `+shiftCols+`
	`, t.AccountID, t.LocationID, terminalID, userID, openingCash.String()))
	if err != nil {
		return nil, err
	}
	return s, tx.Commit(ctx)
}

func (r *PGRepo) AddMovement(ctx context.Context, t tenant.Tenant, shiftID int64, movType string, amount decimal.Decimal, reason *string, userID *int64) (*CashMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s, err := r.GetByID(ctx, t, shiftID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusOpen {
		return nil, ErrNotOpen
	}

	m := CashMovement{ShiftID: shiftID, Type: movType, Amount: amount, Reason: reason}
	err = r.db.QueryRow(ctx, `
		INSERT INTO cash_movements (account_id, location_id, shift_id, created_by, type, amount,
		                            reason, occurred_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW(),NOW())
		RETURNING id, occurred_at
	`, t.AccountID, t.LocationID, shiftID, userID, movType, amount.String(), reason).Scan(&m.ID, &m.OccurredAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// sumByKey runs an aggregation query yielding (key, total) rows and fills a
// map with every expected key present, missing ones at zero.
func sumByKey(ctx context.Context, q querier, keys []string, sql string, args ...any) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(keys))
	for _, k := range keys {
		out[k] = decimal.Zero
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, total string
		if err := rows.Scan(&key, &total); err != nil {
			return nil, err
		}
		out[key] = dec(total)
	}
	return out, rows.Err()
}

func salesByMethod(ctx context.Context, q querier, t tenant.Tenant, shiftID int64) (map[string]decimal.Decimal, error) {
	return sumByKey(ctx, q, PaymentMethods, `
		SELECT p.method, SUM(p.amount)::text
		FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE o.account_id=$1 AND o.location_id=$2 AND o.shift_id=$3 AND p.status='confirmed'
		GROUP BY p.method
	`, t.AccountID, t.LocationID, shiftID)
}

func movementsByType(ctx context.Context, q querier, t tenant.Tenant, shiftID int64) (map[string]decimal.Decimal, error) {
	return sumByKey(ctx, q, MovementTypes, `
		SELECT type, SUM(amount)::text
		FROM cash_movements
		WHERE account_id=$1 AND location_id=$2 AND shift_id=$3
		GROUP BY type
	`, t.AccountID, t.LocationID, shiftID)
}

func (r *PGRepo) Close(ctx context.Context, t tenant.Tenant, shiftID int64, closingCash decimal.Decimal, userID *int64) (*CloseResult, error) {
	closingCash = closingCash.Round(2)

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock on the shift serializes concurrent close attempts.
	s, err := scanShift(tx.QueryRow(ctx, `
		SELECT `+shiftCols+` FROM shifts
		WHERE id=$1 AND account_id=$2 AND location_id=$3
		FOR UPDATE
	`, shiftID, t.AccountID, t.LocationID))
	if err != nil {
		return nil, err
	}
	if s.Status != StatusOpen {
		return nil, ErrAlreadyClosed
	}

	var hasOpen bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE account_id=$1 AND location_id=$2 AND shift_id=$3 AND status='open'
		)
	`, t.AccountID, t.LocationID, shiftID).Scan(&hasOpen); err != nil {
		return nil, err
	}
	if hasOpen {
		return nil, ErrOpenOrders
	}

	sales, err := salesByMethod(ctx, tx, t, shiftID)
	if err != nil {
		return nil, err
	}
	movements, err := movementsByType(ctx, tx, t, shiftID)
	if err != nil {
		return nil, err
	}

	expected := ExpectedCash(s.OpeningCash, TotalsFrom(sales, movements))
	difference := Difference(closingCash, expected)

	var closedAt time.Time
	if err := tx.QueryRow(ctx, `
		UPDATE shifts
		SET status='closed', closing_cash=$2, expected_cash=$3, difference=$4,
		    closed_at=NOW(), closed_by=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING closed_at
	`, shiftID, closingCash.String(), expected.String(), difference.String(), userID).Scan(&closedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &CloseResult{
		ShiftID:      s.ID,
		TerminalID:   s.TerminalID,
		Status:       StatusClosed,
		OpeningCash:  s.OpeningCash,
		ExpectedCash: expected,
		ClosingCash:  closingCash,
		Difference:   difference,
		ClosedAt:     closedAt,
	}, nil
}
