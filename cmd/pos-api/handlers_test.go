package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/zaiongc/pos-sync/internal/httpx"
	"github.com/zaiongc/pos-sync/internal/jobs"
	"github.com/zaiongc/pos-sync/internal/order"
	"github.com/zaiongc/pos-sync/internal/shift"
	"github.com/zaiongc/pos-sync/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
	log.SetOutput(io.Discard)
}

//
// ---------- STUBS & FAKES ----------
//

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// stubOrderRepo implements order.Repository in memory with just enough
// settlement behavior for the handler tests.
type stubOrderRepo struct {
	nextID int64
	orders map[int64]*order.Order
	err    error // when set, every call fails with it
}

func newStubOrderRepo() *stubOrderRepo {
	return &stubOrderRepo{orders: map[int64]*order.Order{}}
}

func (s *stubOrderRepo) Open(ctx context.Context, t tenant.Tenant, p order.OpenParams) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	if p.ClientUID != nil {
		for _, o := range s.orders {
			if o.ClientUID != nil && *o.ClientUID == *p.ClientUID {
				return o, nil
			}
		}
	}
	s.nextID++
	o := &order.Order{
		ID:         s.nextID,
		ClientUID:  p.ClientUID,
		Type:       p.Type,
		Status:     order.StatusOpen,
		TableID:    p.TableID,
		TerminalID: p.TerminalID,
		OpenedAt:   time.Now(),
	}
	s.orders[o.ID] = o
	return o, nil
}

func (s *stubOrderRepo) GetByID(ctx context.Context, t tenant.Tenant, id int64) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (s *stubOrderRepo) AddItem(ctx context.Context, t tenant.Tenant, orderID int64, p order.AddItemParams) (*order.Item, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Finalized() {
		return nil, order.ErrFinalized
	}
	it := order.Item{
		ID:        int64(len(o.Items) + 1),
		OrderID:   orderID,
		ClientUID: p.ClientUID,
		Name:      p.Name,
		Quantity:  p.Quantity,
		UnitPrice: p.UnitPrice,
		Total:     order.ItemTotal(p.Quantity, p.UnitPrice),
		Status:    order.ItemPending,
	}
	o.Items = append(o.Items, it)
	o.Subtotal = o.Subtotal.Add(it.Total)
	o.Total = o.Total.Add(it.Total)
	return &it, nil
}

func (s *stubOrderRepo) CancelItem(ctx context.Context, t tenant.Tenant, orderID, itemID int64, reason string, userID *int64) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	for i := range o.Items {
		if o.Items[i].ID != itemID {
			continue
		}
		if o.Items[i].Status == order.ItemDone {
			return nil, order.ErrItemDone
		}
		o.Items[i].Status = order.ItemCanceled
		o.Items[i].CancelReason = &reason
		return o, nil
	}
	return nil, order.ErrItemNotFound
}

func (s *stubOrderRepo) MarkItemDone(ctx context.Context, t tenant.Tenant, orderID, itemID int64) (*order.Item, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			o.Items[i].Status = order.ItemDone
			return &o.Items[i], nil
		}
	}
	return nil, order.ErrItemNotFound
}

func (s *stubOrderRepo) SendToKitchen(ctx context.Context, t tenant.Tenant, orderID int64) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	o.Status = order.StatusSent
	return o, nil
}

func (s *stubOrderRepo) AddPayment(ctx context.Context, t tenant.Tenant, orderID int64, p order.PaymentParams) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Finalized() {
		return nil, order.ErrFinalized
	}
	if p.ClientUID != nil {
		for _, pay := range o.Payments {
			if pay.ClientUID != nil && *pay.ClientUID == *p.ClientUID {
				return o, nil
			}
		}
	}
	o.Payments = append(o.Payments, order.Payment{
		ID:        int64(len(o.Payments) + 1),
		OrderID:   orderID,
		ClientUID: p.ClientUID,
		Method:    p.Method,
		Amount:    p.Amount,
		Status:    order.PaymentConfirmed,
		PaidAt:    time.Now(),
	})
	paid := decimal.Zero
	for _, pay := range o.Payments {
		paid = paid.Add(pay.Amount)
	}
	if order.Settled(paid, o.Total) {
		o.Status = order.StatusPaid
	}
	return o, nil
}

func (s *stubOrderRepo) CurrentForTable(ctx context.Context, t tenant.Tenant, tableID int64) (*order.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, o := range s.orders {
		if o.TableID != nil && *o.TableID == tableID && !o.Finalized() {
			return o, nil
		}
	}
	return nil, nil
}

// stubShiftRepo scripts one shift.
type stubShiftRepo struct {
	shift    *shift.Shift
	closeRes *shift.CloseResult
	err      error
}

func (s *stubShiftRepo) Open(ctx context.Context, t tenant.Tenant, terminalID int64, openingCash decimal.Decimal, userID *int64) (*shift.Shift, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.shift, nil
}

func (s *stubShiftRepo) Current(ctx context.Context, t tenant.Tenant, terminalID *int64) (*shift.Shift, error) {
	return s.shift, s.err
}

func (s *stubShiftRepo) GetByID(ctx context.Context, t tenant.Tenant, id int64) (*shift.Shift, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.shift == nil || s.shift.ID != id {
		return nil, shift.ErrNotFound
	}
	return s.shift, nil
}

func (s *stubShiftRepo) AddMovement(ctx context.Context, t tenant.Tenant, shiftID int64, movType string, amount decimal.Decimal, reason *string, userID *int64) (*shift.CashMovement, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &shift.CashMovement{ID: 1, ShiftID: shiftID, Type: movType, Amount: amount, Reason: reason, OccurredAt: time.Now()}, nil
}

func (s *stubShiftRepo) Close(ctx context.Context, t tenant.Tenant, shiftID int64, closingCash decimal.Decimal, userID *int64) (*shift.CloseResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.closeRes, nil
}

func (s *stubShiftRepo) Report(ctx context.Context, t tenant.Tenant, shiftID int64, includeOrders bool) (*shift.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	return shift.BuildReport(s.shift, map[string]decimal.Decimal{}, map[string]decimal.Decimal{}, nil), nil
}

func (s *stubShiftRepo) Summary(ctx context.Context, t tenant.Tenant, shiftID int64) (*shift.Summary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &shift.Summary{Shift: s.shift}, nil
}

// fakePublisher records every published job.
type fakePublisher struct {
	jobs []jobs.ShiftReportJob
	err  error
}

func (f *fakePublisher) PublishShiftReport(ctx context.Context, job jobs.ShiftReportJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Account-ID", "1")
	req.Header.Set("X-Location-ID", "2")
	r.ServeHTTP(w, req)
	return w
}

func orderRouter(repo order.Repository) *gin.Engine {
	r := gin.New()
	g := r.Group("/", httpx.TenantContext())
	g.POST("/orders/open", openOrderHandler(repo))
	g.GET("/orders/:id", getOrderHandler(repo))
	g.POST("/orders/:id/items", addItemHandler(repo))
	g.POST("/orders/:id/items/:item_id/cancel", cancelItemHandler(repo))
	g.POST("/orders/:id/items/:item_id/done", itemDoneHandler(repo))
	g.POST("/orders/:id/payments", addPaymentHandler(repo))
	return r
}

//
// ---------- TESTS ----------
//

func TestOpenOrder_IdempotentReplay(t *testing.T) {
	t.Parallel()

	repo := newStubOrderRepo()
	r := orderRouter(repo)

	uid := "01J8ZV7C9XCLIENTUID0000001"
	body := fmt.Sprintf(`{"client_uid":%q,"type":"counter","terminal_id":5}`, uid)

	w := doJSON(r, http.MethodPost, "/orders/open", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var first order.Order
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("bad json: %v", err)
	}

	// Replay with the same client_uid must return the same order, not a
	// second one.
	w = doJSON(r, http.MethodPost, "/orders/open", body)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s", w.Code, w.Body.String())
	}
	var second order.Order
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a new order: %d vs %d", first.ID, second.ID)
	}
	if len(repo.orders) != 1 {
		t.Fatalf("orders=%d, want 1", len(repo.orders))
	}
}

func TestOpenOrder_Validation(t *testing.T) {
	t.Parallel()

	r := orderRouter(newStubOrderRepo())

	cases := []struct {
		name string
		body string
	}{
		{"missing type", `{"terminal_id":5}`},
		{"bad type", `{"type":"drive_thru","terminal_id":5}`},
		{"table without table_id", `{"type":"table","terminal_id":5}`},
		{"table without terminal_id", `{"type":"table","table_id":3}`},
		{"short client_uid", `{"client_uid":"abc","type":"counter","terminal_id":5}`},
	}
	for _, tc := range cases {
		w := doJSON(r, http.MethodPost, "/orders/open", tc.body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status=%d body=%s (want 422)", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestOpenOrder_NoTenantHeaders(t *testing.T) {
	t.Parallel()

	r := orderRouter(newStubOrderRepo())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders/open", bytes.NewBufferString(`{"type":"counter","terminal_id":5}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401 without tenant headers", w.Code)
	}
}

func TestAddPayment_SettlesExactly(t *testing.T) {
	t.Parallel()

	repo := newStubOrderRepo()
	r := orderRouter(repo)

	w := doJSON(r, http.MethodPost, "/orders/open", `{"type":"counter","terminal_id":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("open: status=%d body=%s", w.Code, w.Body.String())
	}
	w = doJSON(r, http.MethodPost, "/orders/1/items", `{"name":"combo","quantity":"1","unit_price":"50.00"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("item: status=%d body=%s", w.Code, w.Body.String())
	}

	// 30 of 50: still open.
	w = doJSON(r, http.MethodPost, "/orders/1/payments", `{"method":"cash","amount":"30.00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("payment 1: status=%d body=%s", w.Code, w.Body.String())
	}
	var o order.Order
	_ = json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != order.StatusOpen {
		t.Fatalf("status=%s after partial payment, want open", o.Status)
	}

	// +20 covers the total: paid.
	w = doJSON(r, http.MethodPost, "/orders/1/payments", `{"method":"pix","amount":"20.00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("payment 2: status=%d body=%s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != order.StatusPaid {
		t.Fatalf("status=%s after full payment, want paid", o.Status)
	}

	// A third payment hits the finalized order.
	w = doJSON(r, http.MethodPost, "/orders/1/payments", `{"method":"cash","amount":"1.00"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("payment 3: status=%d, want 409 on a paid order", w.Code)
	}
}

func TestAddPayment_Validation(t *testing.T) {
	t.Parallel()

	repo := newStubOrderRepo()
	r := orderRouter(repo)
	doJSON(r, http.MethodPost, "/orders/open", `{"type":"counter","terminal_id":5}`)

	for _, body := range []string{
		`{"method":"cash","amount":"0"}`,
		`{"method":"cash","amount":"-5.00"}`,
		`{"method":"bitcoin","amount":"5.00"}`,
	} {
		w := doJSON(r, http.MethodPost, "/orders/1/payments", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("body=%s status=%d, want 422", body, w.Code)
		}
	}
}

func TestCancelItem_AfterDone(t *testing.T) {
	t.Parallel()

	repo := newStubOrderRepo()
	r := orderRouter(repo)
	doJSON(r, http.MethodPost, "/orders/open", `{"type":"counter","terminal_id":5}`)
	doJSON(r, http.MethodPost, "/orders/1/items", `{"name":"combo","quantity":"1","unit_price":"10.00"}`)

	w := doJSON(r, http.MethodPost, "/orders/1/items/1/done", "")
	if w.Code != http.StatusOK {
		t.Fatalf("done: status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodPost, "/orders/1/items/1/cancel", `{"reason":"customer left"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel after done: status=%d, want 409", w.Code)
	}
}

func TestOpenOrder_TableHeld(t *testing.T) {
	t.Parallel()

	// The loser of a concurrent table-open race sees the occupied error.
	repo := newStubOrderRepo()
	repo.err = order.ErrTableOccupied

	r := orderRouter(repo)
	w := doJSON(r, http.MethodPost, "/orders/open", `{"type":"table","table_id":3,"terminal_id":5}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s, want 409 while the table is held", w.Code, w.Body.String())
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	t.Parallel()

	r := orderRouter(newStubOrderRepo())
	w := doJSON(r, http.MethodGet, "/orders/99", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", w.Code)
	}
}

func TestCloseShift_PublishesReportJob(t *testing.T) {
	t.Parallel()

	repo := &stubShiftRepo{
		closeRes: &shift.CloseResult{
			ShiftID:      7,
			TerminalID:   1,
			Status:       shift.StatusClosed,
			OpeningCash:  d("100.00"),
			ExpectedCash: d("145.00"),
			ClosingCash:  d("150.00"),
			Difference:   d("5.00"),
			ClosedAt:     time.Now(),
		},
	}
	pub := &fakePublisher{}

	r := gin.New()
	r.POST("/shifts/:id/close", httpx.TenantContext(), closeShiftHandler(repo, pub))

	w := doJSON(r, http.MethodPost, "/shifts/7/close", `{"closing_cash":"150.00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Message string            `json:"message"`
		Data    shift.CloseResult `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if !resp.Data.Difference.Equal(d("5.00")) {
		t.Fatalf("difference=%s, want 5.00", resp.Data.Difference)
	}

	if len(pub.jobs) != 1 {
		t.Fatalf("jobs published=%d, want 1", len(pub.jobs))
	}
	job := pub.jobs[0]
	if job.ShiftID != 7 || job.AccountID != 1 || job.LocationID != 2 {
		t.Fatalf("job=%+v, wrong identity", job)
	}
}

func TestCloseShift_PublishFailureDoesNotUndoClose(t *testing.T) {
	t.Parallel()

	repo := &stubShiftRepo{
		closeRes: &shift.CloseResult{ShiftID: 7, Status: shift.StatusClosed, ClosedAt: time.Now()},
	}
	pub := &fakePublisher{err: fmt.Errorf("broker down")}

	r := gin.New()
	r.POST("/shifts/:id/close", httpx.TenantContext(), closeShiftHandler(repo, pub))

	w := doJSON(r, http.MethodPost, "/shifts/7/close", `{"closing_cash":"150.00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, the close must survive a publish failure", w.Code)
	}
}

func TestCloseShift_BlockedByOpenOrders(t *testing.T) {
	t.Parallel()

	repo := &stubShiftRepo{err: shift.ErrOpenOrders}
	pub := &fakePublisher{}

	r := gin.New()
	r.POST("/shifts/:id/close", httpx.TenantContext(), closeShiftHandler(repo, pub))

	w := doJSON(r, http.MethodPost, "/shifts/7/close", `{"closing_cash":"150.00"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want 422 while orders are open", w.Code)
	}
	if len(pub.jobs) != 0 {
		t.Fatalf("a blocked close must not publish a report job")
	}
}

func TestCloseShift_AlreadyClosed(t *testing.T) {
	t.Parallel()

	repo := &stubShiftRepo{err: shift.ErrAlreadyClosed}
	r := gin.New()
	r.POST("/shifts/:id/close", httpx.TenantContext(), closeShiftHandler(repo, nil))

	w := doJSON(r, http.MethodPost, "/shifts/7/close", `{"closing_cash":"150.00"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want 422 on a second close", w.Code)
	}
}

func TestAddMovement_Validation(t *testing.T) {
	t.Parallel()

	open := &shift.Shift{ID: 7, TerminalID: 1, Status: shift.StatusOpen, OpeningCash: d("100.00"), OpenedAt: time.Now()}
	repo := &stubShiftRepo{shift: open}

	r := gin.New()
	r.POST("/shifts/:id/movements", httpx.TenantContext(), addMovementHandler(repo))

	w := doJSON(r, http.MethodPost, "/shifts/7/movements", `{"type":"cash_in","amount":"50.00"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	for _, body := range []string{
		`{"type":"cash_in","amount":"0"}`,
		`{"type":"cash_in","amount":"-1"}`,
		`{"type":"deposit","amount":"10.00"}`,
	} {
		w := doJSON(r, http.MethodPost, "/shifts/7/movements", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("body=%s status=%d, want 422", body, w.Code)
		}
	}
}

func TestShiftReport_SnapshotSource(t *testing.T) {
	t.Parallel()

	closedAt := time.Now()
	expected := d("145.00")
	closing := d("150.00")
	diff := d("5.00")
	repo := &stubShiftRepo{shift: &shift.Shift{
		ID:           7,
		TerminalID:   1,
		Status:       shift.StatusClosed,
		OpeningCash:  d("100.00"),
		ClosingCash:  &closing,
		ExpectedCash: &expected,
		Difference:   &diff,
		OpenedAt:     closedAt.Add(-8 * time.Hour),
		ClosedAt:     &closedAt,
	}}

	r := gin.New()
	r.GET("/shifts/:id/report", httpx.TenantContext(), shiftReportHandler(repo))

	w := doJSON(r, http.MethodGet, "/shifts/7/report", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var rep shift.Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if rep.Audit.ExpectedCashSource != shift.SourceSnapshot {
		t.Fatalf("source=%s, want snapshot", rep.Audit.ExpectedCashSource)
	}
	if !rep.Shift.ExpectedCash.Equal(expected) {
		t.Fatalf("expected_cash=%s, want 145.00", rep.Shift.ExpectedCash)
	}
}
