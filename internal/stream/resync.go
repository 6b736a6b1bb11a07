package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// ResyncReport summarizes one resynchronization pass.
type ResyncReport struct {
	Timestamp     time.Time             `json:"timestamp"`
	OpenOrders    int                   `json:"open_orders"`
	Replayed      int                   `json:"replayed"`
	Missing       int                   `json:"missing"`
	Orphans       int                   `json:"orphans_canceled"`
	PositionDiffs []ledger.PositionDiff `json:"position_diffs,omitempty"`
}

// Alert flags passes that found the exchange out of line with the ledger.
func (r ResyncReport) Alert() (string, bool) {
	if r.Orphans == 0 && len(r.PositionDiffs) == 0 {
		return "", false
	}
	return fmt.Sprintf("resync canceled %d orphan orders, %d position mismatches", r.Orphans, len(r.PositionDiffs)), true
}

// ResyncerDeps are the resynchronizer's collaborators.
type ResyncerDeps struct {
	Gateway common.Gateway
	Ledger  *ledger.Ledger
	Queue   *Queue
	Owns    func(clientOrderID string) bool
	Metrics *monitor.SystemMetrics
	Bus     *events.Bus
}

// Resyncer compares the exchange's open orders with the ledger and replays
// the differences into the queue as synthetic events. It never writes the
// ledger itself.
type Resyncer struct {
	ResyncerDeps
	// PendingGrace skips PENDING orders younger than this; their placement
	// call may still be in flight.
	PendingGrace time.Duration

	requests chan struct{}
	now      func() time.Time
}

// NewResyncer builds a resyncer.
func NewResyncer(deps ResyncerDeps) *Resyncer {
	if deps.Owns == nil {
		deps.Owns = func(string) bool { return false }
	}
	return &Resyncer{
		ResyncerDeps: deps,
		PendingGrace: time.Minute,
		requests:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Request schedules a resync. Requests made while one is already pending
// collapse into it.
func (r *Resyncer) Request() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// Run serves requests until ctx is done.
func (r *Resyncer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.requests:
			if _, err := r.Resync(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("resync failed")
			}
		}
	}
}

// Resync runs one pass.
func (r *Resyncer) Resync(ctx context.Context) (ResyncReport, error) {
	report := ResyncReport{Timestamp: r.now()}
	r.Metrics.Inc(monitor.Resyncs)

	open, err := r.Gateway.QueryOpenOrders(ctx, "")
	if err != nil {
		return report, fmt.Errorf("query open orders: %w", err)
	}
	report.OpenOrders = len(open)

	seen := make(map[string]bool, len(open))
	for _, snap := range open {
		local, ok := r.Ledger.Resolve(common.OrderRef{ClientOrderID: snap.ClientOrderID, ExchangeOrderID: snap.ExchangeOrderID})
		if ok {
			seen[local.ClientOrderID] = true
		}
		switch {
		case !ok || local.Status.IsTerminal():
			if !r.Owns(snap.ClientOrderID) {
				continue
			}
			if r.cancelOrphan(ctx, snap) {
				report.Orphans++
			}
		case differs(local, snap):
			if err := r.Queue.Push(ctx, eventFromSnapshot(snap)); err != nil {
				return report, err
			}
			report.Replayed++
		}
	}

	for _, o := range r.Ledger.ActiveOrders() {
		if seen[o.ClientOrderID] {
			continue
		}
		if o.Status == common.StatusPending && r.now().Sub(o.CreatedAt) < r.PendingGrace {
			continue
		}
		ev, err := r.lookup(ctx, o)
		if err != nil {
			log.WithError(err).WithField("client_order_id", o.ClientOrderID).Warn("resync lookup failed")
			continue
		}
		if err := r.Queue.Push(ctx, ev); err != nil {
			return report, err
		}
		report.Missing++
	}

	if remote, err := r.Gateway.QueryPositions(ctx, ""); err != nil {
		log.WithError(err).Warn("resync position query failed")
	} else {
		report.PositionDiffs = ledger.DiffPositions(r.Ledger.Positions(), remote, 1e-9)
	}

	log.WithFields(logrus.Fields{
		"open_orders":    report.OpenOrders,
		"replayed":       report.Replayed,
		"missing":        report.Missing,
		"orphans":        report.Orphans,
		"position_diffs": len(report.PositionDiffs),
	}).Info("resync complete")
	r.Bus.Publish(events.EventResync, report)
	return report, nil
}

// lookup fetches the current state of an order missing from the open list.
// An order the exchange no longer knows is reported EXPIRED at its current
// fill.
func (r *Resyncer) lookup(ctx context.Context, o ledger.Order) (common.OrderEvent, error) {
	snap, err := r.Gateway.QueryOrder(ctx, o.Symbol, common.OrderRef{ClientOrderID: o.ClientOrderID, ExchangeOrderID: o.ExchangeOrderID})
	switch {
	case err == nil:
		return eventFromSnapshot(snap), nil
	case errs.Is(err, errs.KindNotFound):
		return common.OrderEvent{
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Status:        common.StatusExpired,
			ExecutedQty:   o.ExecutedQty,
			AvgPrice:      o.AvgFillPrice,
			ExchangeTime:  r.now(),
			Source:        common.SourceResync,
		}, nil
	default:
		return common.OrderEvent{}, err
	}
}

func (r *Resyncer) cancelOrphan(ctx context.Context, snap common.OrderSnapshot) bool {
	entry := log.WithFields(logrus.Fields{"client_order_id": snap.ClientOrderID, "symbol": snap.Symbol})
	res, err := r.Gateway.CancelOrder(ctx, snap.Symbol, common.OrderRef{ClientOrderID: snap.ClientOrderID, ExchangeOrderID: snap.ExchangeOrderID})
	if err != nil {
		entry.WithError(err).Error("orphan cancel failed")
		return false
	}
	entry.WithField("result", res).Warn("orphan order canceled")
	r.Metrics.Inc(monitor.OrphansCanceled)
	return true
}

func differs(o ledger.Order, s common.OrderSnapshot) bool {
	return o.Status != s.Status || o.ExecutedQty != s.ExecutedQty || o.ExchangeOrderID == ""
}

func eventFromSnapshot(s common.OrderSnapshot) common.OrderEvent {
	return common.OrderEvent{
		ClientOrderID:   s.ClientOrderID,
		ExchangeOrderID: s.ExchangeOrderID,
		Symbol:          s.Symbol,
		Side:            s.Side,
		Status:          s.Status,
		ExecutedQty:     s.ExecutedQty,
		AvgPrice:        s.AvgPrice,
		ExchangeTime:    s.UpdateTime,
		Source:          common.SourceResync,
	}
}
