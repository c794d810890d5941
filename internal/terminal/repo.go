// Package terminal manages the POS terminal directory. Shifts and orders
// always reference a terminal owned by the caller's tenant.
package terminal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zaiongc/pos-sync/internal/tenant"
)

var ErrNotFound = errors.New("terminal not found")

type Terminal struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

type Repository interface {
	List(ctx context.Context, t tenant.Tenant) ([]Terminal, error)
	Create(ctx context.Context, t tenant.Tenant, name, code string) (*Terminal, error)
	GetByID(ctx context.Context, t tenant.Tenant, id int64) (*Terminal, error)
}

type PGRepo struct{ db *pgxpool.Pool }

func NewPGRepo(db *pgxpool.Pool) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) List(ctx context.Context, t tenant.Tenant) ([]Terminal, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT id, name, code, created_at
		FROM terminals
		WHERE account_id=$1 AND location_id=$2
		ORDER BY id
	`, t.AccountID, t.LocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Terminal
	for rows.Next() {
		var tm Terminal
		if err := rows.Scan(&tm.ID, &tm.Name, &tm.Code, &tm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tm)
	}
	return out, rows.Err()
}

func (r *PGRepo) Create(ctx context.Context, t tenant.Tenant, name, code string) (*Terminal, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tm := Terminal{Name: name, Code: code}
	err := r.db.QueryRow(ctx, `
		INSERT INTO terminals (account_id, location_id, name, code, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		RETURNING id, created_at
	`, t.AccountID, t.LocationID, name, code).Scan(&tm.ID, &tm.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tm, nil
}

func (r *PGRepo) GetByID(ctx context.Context, t tenant.Tenant, id int64) (*Terminal, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tm Terminal
	err := r.db.QueryRow(ctx, `
		SELECT id, name, code, created_at
		FROM terminals
		WHERE id=$1 AND account_id=$2 AND location_id=$3
	`, id, t.AccountID, t.LocationID).Scan(&tm.ID, &tm.Name, &tm.Code, &tm.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tm, nil
}
