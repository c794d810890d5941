// Package table provides the repository interface and PostgreSQL
// implementation for the dining-table directory.
package table

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zaiongc/pos-sync/internal/tenant"
)

var (
	ErrNotFound = errors.New("table not found")
)

type Repository interface {
	List(ctx context.Context, t tenant.Tenant) ([]DiningTable, error)
	Create(ctx context.Context, t tenant.Tenant, name string, seats int) (*DiningTable, error)
	GetByID(ctx context.Context, t tenant.Tenant, id int64) (*DiningTable, error)
}

type PGRepo struct{ db *pgxpool.Pool }

func NewPGRepo(db *pgxpool.Pool) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) List(ctx context.Context, t tenant.Tenant) ([]DiningTable, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.Query(ctx, `
		SELECT id, name, seats, status, is_active, created_at, updated_at
		FROM dining_tables
		WHERE account_id=$1 AND location_id=$2
		ORDER BY name
	`, t.AccountID, t.LocationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DiningTable
	for rows.Next() {
		var dt DiningTable
		if err := rows.Scan(&dt.ID, &dt.Name, &dt.Seats, &dt.Status, &dt.IsActive, &dt.CreatedAt, &dt.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, rows.Err()
}

func (r *PGRepo) Create(ctx context.Context, t tenant.Tenant, name string, seats int) (*DiningTable, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if seats <= 0 {
		seats = 4
	}
	dt := DiningTable{Name: name, Seats: seats, Status: StatusFree, IsActive: true}
	err := r.db.QueryRow(ctx, `
		INSERT INTO dining_tables (account_id, location_id, name, seats, status, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,NOW(),NOW())
		RETURNING id, created_at, updated_at
	`, t.AccountID, t.LocationID, name, seats, StatusFree).Scan(&dt.ID, &dt.CreatedAt, &dt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &dt, nil
}

func (r *PGRepo) GetByID(ctx context.Context, t tenant.Tenant, id int64) (*DiningTable, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var dt DiningTable
	err := r.db.QueryRow(ctx, `
		SELECT id, name, seats, status, is_active, created_at, updated_at
		FROM dining_tables
		WHERE id=$1 AND account_id=$2 AND location_id=$3
	`, id, t.AccountID, t.LocationID).Scan(&dt.ID, &dt.Name, &dt.Seats, &dt.Status, &dt.IsActive, &dt.CreatedAt, &dt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dt, nil
}
