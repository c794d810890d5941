package syncer

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/zaiongc/pos-sync/internal/outbox"
)

// User actions record their effect in the local mirror for immediate UX and
// enqueue the matching command. Enqueue failures propagate to the caller:
// an action is either durably queued or reported as failed.

type NewOrder struct {
	Type       string
	TableID    *int64
	TerminalID int64
}

// CreateLocalOrder registers a draft order and queues its open command.
// Table and counter orders wait for a known open shift before dispatch.
func CreateLocalOrder(s *outbox.Store, p NewOrder) (string, error) {
	uid := outbox.NewID()
	if err := s.PutLocalOrder(outbox.LocalOrder{
		ClientUID:  uid,
		Type:       p.Type,
		TableID:    p.TableID,
		TerminalID: p.TerminalID,
		Status:     "draft",
	}); err != nil {
		return "", err
	}

	var deps []string
	if p.Type == "table" || p.Type == "counter" {
		deps = []string{outbox.MetaDep(MetaShiftID)}
	}

	_, err := s.Enqueue(outbox.TypeOrderOpen, outbox.OrderOpenPayload{
		OrderClientUID: uid,
		Type:           p.Type,
		TableID:        p.TableID,
		TerminalID:     p.TerminalID,
	}, deps, map[string]string{"order_client_uid": uid})
	if err != nil {
		return "", err
	}
	return uid, nil
}

type NewItem struct {
	Name      string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Notes     *string
}

// AddLocalItem mirrors the line locally and queues it behind the order's
// server identity.
func AddLocalItem(s *outbox.Store, orderUID string, p NewItem) (string, error) {
	uid := outbox.NewID()
	if err := s.PutLocalItem(outbox.LocalItem{
		ClientUID:      uid,
		OrderClientUID: orderUID,
		Name:           p.Name,
		Quantity:       p.Quantity,
		UnitPrice:      p.UnitPrice,
		Total:          p.Quantity.Mul(p.UnitPrice).Round(2),
		Status:         "pending",
		Notes:          p.Notes,
	}); err != nil {
		return "", err
	}

	_, err := s.Enqueue(outbox.TypeItemAdd, outbox.ItemAddPayload{
		OrderClientUID: orderUID,
		ItemClientUID:  uid,
		Name:           p.Name,
		Quantity:       p.Quantity,
		UnitPrice:      p.UnitPrice,
		Notes:          p.Notes,
	}, []string{outbox.OrderServerIDDep(orderUID)}, map[string]string{"item_client_uid": uid})
	if err != nil {
		return "", err
	}
	return uid, nil
}

// AddLocalPayment queues one payment. An identical still-pending payment on
// the same order is reused instead of charged twice.
func AddLocalPayment(s *outbox.Store, orderUID, method string, amount decimal.Decimal) (string, error) {
	if existing, found, err := s.FindPendingPayment(orderUID, method, amount); err != nil {
		return "", err
	} else if found {
		return existing, nil
	}

	uid := outbox.NewID()
	if err := s.PutLocalPayment(outbox.LocalPayment{
		ClientUID:      uid,
		OrderClientUID: orderUID,
		Method:         method,
		Amount:         amount,
		Status:         "pending",
	}); err != nil {
		return "", err
	}

	_, err := s.Enqueue(outbox.TypePaymentAdd, outbox.PaymentAddPayload{
		OrderClientUID:   orderUID,
		PaymentClientUID: uid,
		Method:           method,
		Amount:           amount,
	}, []string{outbox.OrderServerIDDep(orderUID)}, map[string]string{"payment_client_uid": uid})
	if err != nil {
		return "", err
	}
	return uid, nil
}

// EnqueueShiftOpen queues the open-shift command for the terminal.
func EnqueueShiftOpen(s *outbox.Store, terminalID int64, openingCash decimal.Decimal) (string, error) {
	return s.Enqueue(outbox.TypeShiftOpen, outbox.ShiftOpenPayload{
		TerminalID:  terminalID,
		OpeningCash: openingCash,
	}, nil, nil)
}

// CancelLocalItem marks the item canceled locally. If the item never
// reached the server there is nothing to replay; otherwise the cancel is
// queued with both server identities resolved.
func CancelLocalItem(s *outbox.Store, orderUID, itemUID, reason string) error {
	item, err := s.GetLocalItem(itemUID)
	if err != nil && !errors.Is(err, outbox.ErrNotFound) {
		return err
	}
	if item != nil {
		if err := s.MarkItemCanceled(itemUID, reason); err != nil {
			return err
		}
	}
	if item == nil || item.ServerID == nil {
		return nil
	}

	order, err := s.GetLocalOrder(orderUID)
	if err != nil {
		return err
	}
	if order.ServerID == nil {
		return nil
	}

	_, err = s.Enqueue(outbox.TypeItemCancel, outbox.ItemCancelPayload{
		OrderServerID: *order.ServerID,
		ItemServerID:  *item.ServerID,
		Reason:        reason,
	}, []string{outbox.OrderServerIDDep(orderUID)}, map[string]string{"item_client_uid": itemUID})
	return err
}

// RemovePendingItem drops a never-synced item and its queued add command.
func RemovePendingItem(s *outbox.Store, itemUID string) error {
	return s.DeleteLocalItem(itemUID)
}
