package shift

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zaiongc/pos-sync/internal/tenant"
)

const (
	SourceSnapshot = "snapshot"
	SourceComputed = "computed"
)

type Report struct {
	Shift         ReportShift     `json:"shift"`
	Sales         ReportSales     `json:"sales"`
	CashMovements ReportMovements `json:"cash_movements"`
	Audit         ReportAudit     `json:"audit"`
	Orders        []ReportOrder   `json:"orders"`
}

type ReportShift struct {
	ID           int64            `json:"id"`
	TerminalID   int64            `json:"terminal_id"`
	Status       string           `json:"status"`
	OpenedBy     *int64           `json:"opened_by"`
	OpenedAt     time.Time        `json:"opened_at"`
	OpeningCash  decimal.Decimal  `json:"opening_cash"`
	ClosedBy     *int64           `json:"closed_by"`
	ClosedAt     *time.Time       `json:"closed_at"`
	ClosingCash  *decimal.Decimal `json:"closing_cash"`
	ExpectedCash decimal.Decimal  `json:"expected_cash"`
	Difference   *decimal.Decimal `json:"difference"`
}

type ReportSales struct {
	ByMethod map[string]decimal.Decimal `json:"by_method"`
	Total    decimal.Decimal            `json:"total"`
}

type ReportMovements struct {
	ByType map[string]decimal.Decimal `json:"by_type"`
}

// ReportAudit exposes the freshly recomputed till value next to the headline
// figure and labels where the headline came from. A closed shift always
// reports its persisted snapshot.
type ReportAudit struct {
	ExpectedCashComputed decimal.Decimal `json:"expected_cash_computed"`
	ExpectedCashSource   string          `json:"expected_cash_source"`
}

type ReportOrder struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	ServiceFee decimal.Decimal `json:"service_fee"`
	Total      decimal.Decimal `json:"total"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   *time.Time      `json:"closed_at"`
	TableID    *int64          `json:"table_id"`
	TerminalID *int64          `json:"terminal_id"`
}

// Summary is the live view of an open shift's till.
type Summary struct {
	Shift         *Shift                     `json:"shift"`
	SalesByMethod map[string]decimal.Decimal `json:"sales_by_method"`
	Movements     map[string]decimal.Decimal `json:"movements"`
	ExpectedCash  decimal.Decimal            `json:"expected_cash"`
}

// BuildReport assembles a report from a shift and its aggregates. Split out
// of the repository so the snapshot-vs-computed selection is testable
// without a database.
func BuildReport(s *Shift, sales, movements map[string]decimal.Decimal, orders []ReportOrder) *Report {
	computed := ExpectedCash(s.OpeningCash, TotalsFrom(sales, movements))

	expected := computed
	source := SourceComputed
	if s.ExpectedCash != nil {
		expected = *s.ExpectedCash
		source = SourceSnapshot
	}

	difference := s.Difference
	if difference == nil && s.ClosingCash != nil {
		d := Difference(*s.ClosingCash, expected)
		difference = &d
	}

	total := decimal.Zero
	for _, v := range sales {
		total = total.Add(v)
	}

	return &Report{
		Shift: ReportShift{
			ID:           s.ID,
			TerminalID:   s.TerminalID,
			Status:       s.Status,
			OpenedBy:     s.OpenedBy,
			OpenedAt:     s.OpenedAt,
			OpeningCash:  s.OpeningCash.Round(2),
			ClosedBy:     s.ClosedBy,
			ClosedAt:     s.ClosedAt,
			ClosingCash:  s.ClosingCash,
			ExpectedCash: expected.Round(2),
			Difference:   difference,
		},
		Sales:         ReportSales{ByMethod: sales, Total: total.Round(2)},
		CashMovements: ReportMovements{ByType: movements},
		Audit: ReportAudit{
			ExpectedCashComputed: computed,
			ExpectedCashSource:   source,
		},
		Orders: orders,
	}
}

func (r *PGRepo) Report(ctx context.Context, t tenant.Tenant, shiftID int64, includeOrders bool) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := r.GetByID(ctx, t, shiftID)
	if err != nil {
		return nil, err
	}

	sales, err := salesByMethod(ctx, r.db, t, shiftID)
	if err != nil {
		return nil, err
	}
	movements, err := movementsByType(ctx, r.db, t, shiftID)
	if err != nil {
		return nil, err
	}

	var orders []ReportOrder
	if includeOrders {
		rows, err := r.db.Query(ctx, `
			SELECT id, type, status, subtotal::text, discount::text, service_fee::text, total::text,
			       opened_at, closed_at, table_id, terminal_id
			FROM orders
			WHERE account_id=$1 AND location_id=$2 AND shift_id=$3
			ORDER BY id
		`, t.AccountID, t.LocationID, shiftID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var ro ReportOrder
			var subtotal, discount, serviceFee, total string
			if err := rows.Scan(&ro.ID, &ro.Type, &ro.Status, &subtotal, &discount, &serviceFee, &total,
				&ro.OpenedAt, &ro.ClosedAt, &ro.TableID, &ro.TerminalID); err != nil {
				return nil, err
			}
			ro.Subtotal, ro.Discount, ro.ServiceFee, ro.Total = dec(subtotal), dec(discount), dec(serviceFee), dec(total)
			orders = append(orders, ro)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return BuildReport(s, sales, movements, orders), nil
}

func (r *PGRepo) Summary(ctx context.Context, t tenant.Tenant, shiftID int64) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := r.GetByID(ctx, t, shiftID)
	if err != nil {
		return nil, err
	}
	sales, err := salesByMethod(ctx, r.db, t, shiftID)
	if err != nil {
		return nil, err
	}
	movements, err := movementsByType(ctx, r.db, t, shiftID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Shift:         s,
		SalesByMethod: sales,
		Movements:     movements,
		ExpectedCash:  ExpectedCash(s.OpeningCash, TotalsFrom(sales, movements)),
	}, nil
}
