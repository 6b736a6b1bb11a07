package ledger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"futures-engine/pkg/exchanges/common"
)

// ApplyAck records the exchange's synchronous answer to a placement: the
// exchange id, and PENDING becoming NEW. Anything past NEW in the ack is left
// for the event path, which also moves positions; an ack that loses the race
// against a stream event therefore changes nothing but the id, and a
// terminal order is left untouched.
func (l *Ledger) ApplyAck(ctx context.Context, clientOrderID string, res common.OrderResult) (Order, error) {
	var out Order
	err := l.Update(ctx, func(tx *Tx) error {
		o, ok := tx.Order(clientOrderID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		if o.Status.IsTerminal() {
			out = o
			return nil
		}
		changed := false
		if o.ExchangeOrderID == "" && res.ExchangeOrderID != "" {
			o.ExchangeOrderID = res.ExchangeOrderID
			o.UpdatedAt = tx.Now()
			changed = true
		}
		outcome := Duplicate
		if res.Status != common.StatusUnknown && res.Status != "" {
			var next Order
			next, outcome = Advance(o, Transition{Status: common.StatusNew, ExecutedQty: o.ExecutedQty, At: tx.Now()})
			if outcome == Applied {
				next.LastEventSeq = tx.NextSeq()
				o = next
				changed = true
			}
		}
		log.WithFields(logrus.Fields{
			"client_order_id": clientOrderID,
			"status":          o.Status,
			"ack_status":      res.Status,
			"outcome":         outcome,
		}).Debug("ack recorded")
		if changed {
			tx.PutOrder(o)
		}
		out = o
		return nil
	})
	return out, err
}

// MarkRejected finalizes an order the exchange never accepted. It only
// touches orders still PENDING: anything further along was confirmed by an
// event and stays as it is.
func (l *Ledger) MarkRejected(ctx context.Context, clientOrderID, reason string) (Order, error) {
	var out Order
	err := l.Update(ctx, func(tx *Tx) error {
		o, ok := tx.Order(clientOrderID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		if o.Status != common.StatusPending {
			out = o
			if o.Status.IsTerminal() {
				return fmt.Errorf("%w: %s is %s", ErrTerminal, clientOrderID, o.Status)
			}
			return nil
		}
		o.Status = common.StatusRejected
		o.RejectReason = reason
		o.UpdatedAt = tx.Now()
		o.LastEventSeq = tx.NextSeq()
		tx.PutOrder(o)
		if p, ok := tx.Position(o.Key()); ok && p.HasOpenOrder(clientOrderID) {
			tx.PutPosition(p.WithoutOpenOrder(clientOrderID))
		}
		out = o
		return nil
	})
	return out, err
}
