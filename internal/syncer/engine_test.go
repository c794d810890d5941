package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/zaiongc/pos-sync/internal/outbox"
)

func init() {
	log.SetOutput(io.Discard)
}

// fakeServer is a scriptable stand-in for the settlement API.
type fakeServer struct {
	mu        sync.Mutex
	shiftID   int64 // 0 means no open shift
	nextOrder int64
	nextItem  int64
	requests  []string
	failWith  int // when >0, every POST answers this status
}

func (f *fakeServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodGet && r.URL.Path == "/shifts/current" {
			if f.shiftID == 0 {
				_, _ = w.Write([]byte("null"))
				return
			}
			_ = json.NewEncoder(w).Encode(ShiftDTO{ID: f.shiftID, TerminalID: 1, Status: "open"})
			return
		}

		if f.failWith > 0 {
			w.WriteHeader(f.failWith)
			_, _ = w.Write([]byte(`{"error":"scripted failure"}`))
			return
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders/open":
			f.nextOrder++
			_ = json.NewEncoder(w).Encode(OrderDTO{ID: f.nextOrder, Status: "open"})
		case r.Method == http.MethodPost && r.URL.Path == fmt.Sprintf("/orders/%d/items", f.nextOrder):
			f.nextItem++
			_ = json.NewEncoder(w).Encode(ItemDTO{ID: f.nextItem, OrderID: f.nextOrder, Status: "pending"})
		case r.Method == http.MethodPost && r.URL.Path == fmt.Sprintf("/orders/%d/payments", f.nextOrder):
			uid, _ := body["client_uid"].(string)
			_ = json.NewEncoder(w).Encode(OrderDTO{
				ID:     f.nextOrder,
				Status: "paid",
				Payments: []PaymentDTO{
					{ID: 900, ClientUID: &uid, Status: "confirmed"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no route"}`))
		}
	})
}

func (f *fakeServer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func newEngine(t *testing.T, f *fakeServer) (*Engine, *outbox.Store) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	store, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(store, NewClient(srv.URL, "test-token"), 1), store
}

func TestTickSkipsUntilDependencyMet(t *testing.T) {
	f := &fakeServer{} // no open shift
	eng, store := newEngine(t, f)

	tableID := int64(3)
	_, err := CreateLocalOrder(store, NewOrder{Type: "table", TableID: &tableID, TerminalID: 1})
	require.NoError(t, err)

	// shift_id is unknown, so the gated order.open must be skipped without
	// consuming an attempt.
	res, err := eng.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Processed)

	pending, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Zero(t, pending[0].Attempts)

	// The shift opens server-side; the next tick picks the fact up via the
	// current-shift probe and dispatches the order.
	f.mu.Lock()
	f.shiftID = 42
	f.mu.Unlock()

	res, err = eng.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, res.Processed)
	require.False(t, res.Rejected)
	require.Equal(t, outbox.TypeOrderOpen, res.CmdType)

	v, found, err := store.MetaGet(MetaShiftID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "42", v)
}

func TestTickProcessesOneCommandAndPropagatesIDs(t *testing.T) {
	f := &fakeServer{shiftID: 42}
	eng, store := newEngine(t, f)

	tableID := int64(3)
	orderUID, err := CreateLocalOrder(store, NewOrder{Type: "table", TableID: &tableID, TerminalID: 1})
	require.NoError(t, err)
	itemUID, err := AddLocalItem(store, orderUID, NewItem{
		Name:      "espresso",
		Quantity:  decimal.NewFromInt(2),
		UnitPrice: decimal.RequireFromString("4.50"),
	})
	require.NoError(t, err)

	// Tick 1: only the order goes out; the item is gated on its server id.
	res, err := eng.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, outbox.TypeOrderOpen, res.CmdType)

	o, err := store.GetLocalOrder(orderUID)
	require.NoError(t, err)
	require.NotNil(t, o.ServerID)
	require.Equal(t, int64(1), *o.ServerID)

	// Tick 2: the item follows, addressed by the order's server id.
	res, err = eng.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, outbox.TypeItemAdd, res.CmdType)

	it, err := store.GetLocalItem(itemUID)
	require.NoError(t, err)
	require.NotNil(t, it.ServerID)

	require.Contains(t, f.seen(), "POST /orders/1/items")

	// Nothing left.
	res, err = eng.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Processed)
}

func TestTickRetriesTransientFailure(t *testing.T) {
	f := &fakeServer{shiftID: 42, failWith: http.StatusInternalServerError}
	eng, store := newEngine(t, f)

	_, err := EnqueueShiftOpen(store, 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)

	res, err := eng.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, res.Processed)
	require.False(t, res.Rejected, "a 500 is transient, not a rejection")
	require.NotEmpty(t, res.Err)

	pending, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)
	require.False(t, pending[0].RetryDue(time.Now()), "backoff must delay the next attempt")

	// While backed off, the tick leaves it alone.
	res, err = eng.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Processed)
}

func TestTickRejectsBusinessRuleFailure(t *testing.T) {
	f := &fakeServer{shiftID: 42, failWith: http.StatusUnprocessableEntity}
	eng, store := newEngine(t, f)

	id, err := EnqueueShiftOpen(store, 1, decimal.RequireFromString("-5.00"))
	require.NoError(t, err)

	res, err := eng.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, res.Processed)
	require.True(t, res.Rejected)

	c, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusRejected, c.Status)

	// Rejected commands never come back.
	pending, err := store.ListPending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPaymentConfirmationFlowsBack(t *testing.T) {
	f := &fakeServer{shiftID: 42}
	eng, store := newEngine(t, f)

	orderUID, err := CreateLocalOrder(store, NewOrder{Type: "counter", TerminalID: 1})
	require.NoError(t, err)
	payUID, err := AddLocalPayment(store, orderUID, "cash", decimal.RequireFromString("30.00"))
	require.NoError(t, err)

	// Double tap reuses the pending payment instead of queueing a second one.
	again, err := AddLocalPayment(store, orderUID, "cash", decimal.RequireFromString("30.00"))
	require.NoError(t, err)
	require.Equal(t, payUID, again)

	_, err = eng.Tick(context.Background()) // order.open
	require.NoError(t, err)
	res, err := eng.Tick(context.Background()) // payment.add
	require.NoError(t, err)
	require.Equal(t, outbox.TypePaymentAdd, res.CmdType)
	require.False(t, res.Rejected)

	// Confirmed now; a repeat of the same amount becomes a fresh payment.
	fresh, err := AddLocalPayment(store, orderUID, "cash", decimal.RequireFromString("30.00"))
	require.NoError(t, err)
	require.NotEqual(t, payUID, fresh)
}

func TestIsRejection(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity} {
		require.True(t, IsRejection(&apiError{Status: status}), "status %d", status)
	}
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests, http.StatusUnauthorized} {
		require.False(t, IsRejection(&apiError{Status: status}), "status %d", status)
	}
	require.False(t, IsRejection(context.DeadlineExceeded))
}
