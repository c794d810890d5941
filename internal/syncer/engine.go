package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/zaiongc/pos-sync/internal/outbox"
)

const MetaShiftID = "shift_id"

// Result describes what a single tick did, for surfacing in the UI.
type Result struct {
	Processed bool        `json:"processed"`
	Rejected  bool        `json:"rejected"`
	CmdID     string      `json:"last_cmd_id,omitempty"`
	CmdType   outbox.Type `json:"last_cmd_type,omitempty"`
	Err       string      `json:"error,omitempty"`
}

type Engine struct {
	store      *outbox.Store
	api        *Client
	terminalID int64
}

func New(store *outbox.Store, api *Client, terminalID int64) *Engine {
	return &Engine{store: store, api: api, terminalID: terminalID}
}

// Tick processes at most one command. It is safe to invoke concurrently
// with itself: the store's pending->sending compare-and-set keeps two
// overlapping ticks from dispatching the same command.
func (e *Engine) Tick(ctx context.Context) (*Result, error) {
	e.refreshShift(ctx)

	pending, err := e.store.ListPending()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range pending {
		cmd := &pending[i]
		if !cmd.RetryDue(now) {
			continue
		}
		eligible, err := e.store.Eligible(cmd)
		if err != nil {
			return nil, err
		}
		if !eligible {
			// Unmet dependencies are a skip, not a failure: no attempt is
			// consumed and no backoff applies.
			continue
		}

		claimed, err := e.store.MarkSending(cmd.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}

		dispErr := e.dispatch(ctx, cmd)
		if dispErr == nil {
			if err := e.store.MarkSent(cmd.ID); err != nil {
				return nil, err
			}
			return &Result{Processed: true, CmdID: cmd.ID, CmdType: cmd.Type}, nil
		}
		if IsRejection(dispErr) {
			if err := e.store.MarkRejected(cmd.ID, dispErr.Error()); err != nil {
				return nil, err
			}
			return &Result{Processed: true, Rejected: true, CmdID: cmd.ID, CmdType: cmd.Type, Err: dispErr.Error()}, nil
		}
		if err := e.store.MarkRetry(cmd.ID, dispErr.Error(), time.Now()); err != nil {
			return nil, err
		}
		return &Result{Processed: true, CmdID: cmd.ID, CmdType: cmd.Type, Err: dispErr.Error()}, nil
	}

	return &Result{Processed: false}, nil
}

// refreshShift opportunistically fills the shift_id metadata from the
// server so commands gated on meta:shift_id don't stay stuck when a shift
// was opened out-of-band. Best effort; failures are ignored.
func (e *Engine) refreshShift(ctx context.Context) {
	if e.terminalID <= 0 {
		return
	}
	s, err := e.api.ShiftCurrent(ctx, e.terminalID)
	if err != nil || s == nil {
		return
	}
	if err := e.store.MetaSet(MetaShiftID, strconv.FormatInt(s.ID, 10)); err != nil {
		log.Printf("[sync] meta set shift_id: %v", err)
	}
}

func (e *Engine) dispatch(ctx context.Context, cmd *outbox.Command) error {
	switch cmd.Type {
	case outbox.TypeShiftOpen:
		var p outbox.ShiftOpenPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		s, err := e.api.ShiftOpen(ctx, p)
		if err != nil {
			return err
		}
		return e.store.MetaSet(MetaShiftID, strconv.FormatInt(s.ID, 10))

	case outbox.TypeOrderOpen:
		var p outbox.OrderOpenPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		created, err := e.api.OrderOpen(ctx, map[string]any{
			"client_uid":  p.OrderClientUID,
			"type":        p.Type,
			"table_id":    p.TableID,
			"terminal_id": p.TerminalID,
		})
		if err != nil {
			return err
		}
		return e.store.SetOrderServerID(p.OrderClientUID, created.ID)

	case outbox.TypeItemAdd:
		var p outbox.ItemAddPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		o, err := e.store.GetLocalOrder(p.OrderClientUID)
		if err != nil {
			return err
		}
		if o.ServerID == nil {
			return fmt.Errorf("order %s has no server id", p.OrderClientUID)
		}
		created, err := e.api.ItemAdd(ctx, *o.ServerID, map[string]any{
			"client_uid": p.ItemClientUID,
			"name":       p.Name,
			"quantity":   p.Quantity,
			"unit_price": p.UnitPrice,
			"notes":      p.Notes,
		})
		if err != nil {
			return err
		}
		return e.store.SetItemServerID(p.ItemClientUID, created.ID)

	case outbox.TypePaymentAdd:
		var p outbox.PaymentAddPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		o, err := e.store.GetLocalOrder(p.OrderClientUID)
		if err != nil {
			return err
		}
		if o.ServerID == nil {
			return fmt.Errorf("order %s has no server id", p.OrderClientUID)
		}
		updated, err := e.api.PaymentAdd(ctx, *o.ServerID, map[string]any{
			"client_uid": p.PaymentClientUID,
			"method":     p.Method,
			"amount":     p.Amount,
		})
		if err != nil {
			return err
		}
		var serverID *int64
		for i := range updated.Payments {
			sp := &updated.Payments[i]
			if sp.ClientUID != nil && *sp.ClientUID == p.PaymentClientUID {
				serverID = &sp.ID
				break
			}
		}
		return e.store.MarkPaymentConfirmed(p.PaymentClientUID, serverID)

	case outbox.TypeItemCancel:
		var p outbox.ItemCancelPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		return e.api.ItemCancel(ctx, p.OrderServerID, p.ItemServerID, p.Reason)

	default:
		return fmt.Errorf("unsupported command type %q", cmd.Type)
	}
}
