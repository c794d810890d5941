package table

import "time"

const (
	StatusFree     = "free"
	StatusOccupied = "occupied"
)

type DiningTable struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Seats     int       `json:"seats"`
	Status    string    `json:"status"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
