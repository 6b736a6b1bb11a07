package order

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/ledger"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// Forwarder hands a synthetic event to the reconciliation path.
type Forwarder func(ctx context.Context, ev common.OrderEvent) error

// Submit sends an order already recorded PENDING and settles the ledger with
// the answer. A transient failure may still have reached the exchange, so the
// order is looked up before it is marked REJECTED. Ack states past NEW, such
// as an immediate fill, are passed to fwd so positions move on the event
// path; fwd may be nil when the stream is trusted to report them.
func Submit(ctx context.Context, gw common.Gateway, l *ledger.Ledger, fwd Forwarder, req common.OrderRequest) (ledger.Order, error) {
	entry := log.WithFields(logrus.Fields{"client_order_id": req.ClientID, "symbol": req.Symbol})

	res, err := gw.PlaceOrder(ctx, req)
	if err != nil && errs.Is(err, errs.KindTransient) {
		snap, qerr := gw.QueryOrder(ctx, req.Symbol, common.OrderRef{ClientOrderID: req.ClientID})
		if qerr == nil {
			entry.WithError(err).Warn("placement reported failure but order exists on exchange")
			res = common.OrderResult{
				ExchangeOrderID: snap.ExchangeOrderID,
				ClientID:        snap.ClientOrderID,
				Status:          snap.Status,
				ExecutedQty:     snap.ExecutedQty,
				AvgPrice:        snap.AvgPrice,
			}
			err = nil
		}
	}
	if err != nil {
		stored, rejErr := l.MarkRejected(ctx, req.ClientID, err.Error())
		if rejErr != nil && !errors.Is(rejErr, ledger.ErrTerminal) {
			entry.WithError(rejErr).Error("marking order rejected failed")
		}
		entry.WithError(err).WithField("kind", errs.KindOf(err)).Warn("placement failed")
		return stored, err
	}

	stored, err := l.ApplyAck(ctx, req.ClientID, res)
	if err != nil {
		entry.WithError(err).Error("recording ack failed")
	}
	if fwd != nil && res.Status.Rank() > common.StatusNew.Rank() {
		ferr := fwd(ctx, common.OrderEvent{
			ClientOrderID:   req.ClientID,
			ExchangeOrderID: res.ExchangeOrderID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Status:          res.Status,
			ExecutedQty:     res.ExecutedQty,
			AvgPrice:        res.AvgPrice,
			Source:          common.SourceAck,
		})
		if ferr != nil {
			entry.WithError(ferr).Warn("forwarding ack state failed")
		}
	}
	return stored, nil
}
