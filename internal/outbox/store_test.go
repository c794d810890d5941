package outbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Enqueue(TypeShiftOpen, ShiftOpenPayload{TerminalID: 1}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulates the app restarting after a crash.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, c.Status)
	require.Equal(t, TypeShiftOpen, c.Type)
	require.Zero(t, c.Attempts)
}

func TestListPendingOrder(t *testing.T) {
	s := newStore(t)

	first, err := s.Enqueue(TypeOrderOpen, OrderOpenPayload{OrderClientUID: "a"}, nil, nil)
	require.NoError(t, err)
	second, err := s.Enqueue(TypeItemAdd, ItemAddPayload{OrderClientUID: "a"}, nil, nil)
	require.NoError(t, err)
	third, err := s.Enqueue(TypePaymentAdd, PaymentAddPayload{OrderClientUID: "a"}, nil, nil)
	require.NoError(t, err)

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, []string{first, second, third},
		[]string{pending[0].ID, pending[1].ID, pending[2].ID})

	// A failure pushes the first command behind the others.
	require.NoError(t, s.MarkRetry(first, "boom", time.Now()))
	pending, err = s.ListPending()
	require.NoError(t, err)
	require.Equal(t, second, pending[0].ID)
	require.Equal(t, first, pending[2].ID)
}

func TestMarkSendingIsExclusive(t *testing.T) {
	s := newStore(t)

	id, err := s.Enqueue(TypeShiftOpen, ShiftOpenPayload{TerminalID: 1}, nil, nil)
	require.NoError(t, err)

	ok, err := s.MarkSending(id)
	require.NoError(t, err)
	require.True(t, ok)

	// Second claim must lose.
	ok, err = s.MarkSending(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkRetrySchedulesBackoff(t *testing.T) {
	s := newStore(t)

	id, err := s.Enqueue(TypeShiftOpen, ShiftOpenPayload{TerminalID: 1}, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.MarkRetry(id, "connection refused", now))

	c, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, c.Status)
	require.Equal(t, 1, c.Attempts)
	require.NotNil(t, c.LastError)
	require.NotNil(t, c.NextRetryAt)
	require.False(t, c.RetryDue(now))
	require.True(t, c.RetryDue(now.Add(2*time.Second)))
}

func TestBackoffCap(t *testing.T) {
	for attempts := 1; attempts <= 50; attempts++ {
		d := Backoff(attempts)
		require.GreaterOrEqual(t, d, time.Second, "attempt %d", attempts)
		require.Less(t, d, time.Minute+time.Second, "attempt %d", attempts)
	}
	// The cap must hold even for absurd attempt counts.
	require.Less(t, Backoff(1000), time.Minute+time.Second)
}

func TestMarkRejectedIsTerminal(t *testing.T) {
	s := newStore(t)

	id, err := s.Enqueue(TypePaymentAdd, PaymentAddPayload{OrderClientUID: "a"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRejected(id, "422: amount must be positive"))

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Empty(t, pending)

	c, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, c.Status)
	require.NotNil(t, c.LastError)
}

func TestDependencyResolution(t *testing.T) {
	s := newStore(t)

	cmd := &Command{DependsOn: []string{MetaDep("shift_id"), OrderServerIDDep("01ORDER")}}

	ok, err := s.Eligible(cmd)
	require.NoError(t, err)
	require.False(t, ok)

	// Shift id arrives but the order is still unknown upstream.
	require.NoError(t, s.MetaSet("shift_id", "42"))
	require.NoError(t, s.PutLocalOrder(LocalOrder{ClientUID: "01ORDER", Type: "table", TerminalID: 1, Status: "draft"}))
	ok, err = s.Eligible(cmd)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetOrderServerID("01ORDER", 77))
	ok, err = s.Eligible(cmd)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDependencyMalformedTokens(t *testing.T) {
	s := newStore(t)

	for _, dep := range []string{"meta:", "order::server_id", "order:u:status", "bogus"} {
		ok, err := s.DependencySatisfied(dep)
		require.NoError(t, err, dep)
		require.False(t, ok, dep)
	}
}

func TestDeleteLocalItemDropsQueuedCommand(t *testing.T) {
	s := newStore(t)

	itemUID := NewID()
	require.NoError(t, s.PutLocalItem(LocalItem{
		ClientUID:      itemUID,
		OrderClientUID: "01ORDER",
		Name:           "espresso",
		Quantity:       decimal.NewFromInt(1),
		UnitPrice:      decimal.RequireFromString("4.50"),
		Total:          decimal.RequireFromString("4.50"),
		Status:         "pending",
	}))
	_, err := s.Enqueue(TypeItemAdd,
		ItemAddPayload{OrderClientUID: "01ORDER", ItemClientUID: itemUID, Name: "espresso"},
		[]string{OrderServerIDDep("01ORDER")},
		map[string]string{"item_client_uid": itemUID})
	require.NoError(t, err)

	keepUID := NewID()
	_, err = s.Enqueue(TypeItemAdd,
		ItemAddPayload{OrderClientUID: "01ORDER", ItemClientUID: keepUID, Name: "latte"},
		nil,
		map[string]string{"item_client_uid": keepUID})
	require.NoError(t, err)

	require.NoError(t, s.DeleteLocalItem(itemUID))

	_, err = s.GetLocalItem(itemUID)
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the deleted item's command may be dropped")
}

func TestFindPendingPaymentDedupes(t *testing.T) {
	s := newStore(t)

	amount := decimal.RequireFromString("30.00")
	uid := NewID()
	require.NoError(t, s.PutLocalPayment(LocalPayment{
		ClientUID:      uid,
		OrderClientUID: "01ORDER",
		Method:         "cash",
		Amount:         amount,
		Status:         "pending",
	}))

	got, found, err := s.FindPendingPayment("01ORDER", "cash", amount)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uid, got)

	// Different amount is a different payment.
	_, found, err = s.FindPendingPayment("01ORDER", "cash", decimal.RequireFromString("20.00"))
	require.NoError(t, err)
	require.False(t, found)

	// Confirmed payments stop matching.
	require.NoError(t, s.MarkPaymentConfirmed(uid, nil))
	_, found, err = s.FindPendingPayment("01ORDER", "cash", amount)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMetaUpsert(t *testing.T) {
	s := newStore(t)

	_, found, err := s.MetaGet("shift_id")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.MetaSet("shift_id", "1"))
	require.NoError(t, s.MetaSet("shift_id", "2"))

	v, found, err := s.MetaGet("shift_id")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", v)
}
