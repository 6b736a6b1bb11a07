// Package reconciliation owns every ledger change after an order is
// recorded: the single event worker and the periodic position audit.
package reconciliation

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/internal/order"
	"futures-engine/internal/persistence"
	"futures-engine/internal/risk"
	"futures-engine/internal/stream"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

var log = logrus.WithField("component", "reconciliation")

const qtyEpsilon = 1e-9

// Journal outcomes besides the ledger.Outcome strings.
const (
	outcomeForeign  = "foreign"
	outcomeUnknown  = "unknown"
	outcomeSnapshot = "snapshot"
)

var errQueueFull = errors.New("event queue full")

// Requester asks for a resynchronization.
type Requester interface {
	Request()
}

// Deps are the worker's collaborators. Resync, Journal and Metrics may be nil.
type Deps struct {
	Ledger     *ledger.Ledger
	Gateway    common.Gateway
	Queue      *stream.Queue
	Resync     Requester
	Owns       func(clientOrderID string) bool
	Protection risk.Params
	Journal    *persistence.Journal
	Metrics    *monitor.SystemMetrics
}

// Worker is the only consumer of the event queue. Events are applied one at
// a time and each is committed before the next is read.
type Worker struct {
	Deps
}

// NewWorker builds a worker.
func NewWorker(deps Deps) *Worker {
	if deps.Owns == nil {
		deps.Owns = func(string) bool { return false }
	}
	return &Worker{Deps: deps}
}

// Run consumes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log.Info("reconciliation worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-w.Queue.Events():
			w.process(ctx, ev)
		}
	}
}

func (w *Worker) process(ctx context.Context, ev common.OrderEvent) {
	entry := log.WithFields(logrus.Fields{
		"client_order_id":   ev.ClientOrderID,
		"exchange_order_id": ev.ExchangeOrderID,
		"status":            ev.Status,
		"source":            ev.Source,
	})
	defer func() {
		if r := recover(); r != nil {
			w.Metrics.Inc(monitor.EventErrors)
			entry.WithFields(logrus.Fields{"panic": r, "stack": string(debug.Stack())}).Error("event handler panicked, event skipped")
		}
	}()

	start := time.Now()
	if err := w.Handle(ctx, ev); err != nil {
		w.Metrics.Inc(monitor.EventErrors)
		entry.WithError(err).WithField("kind", errs.KindOf(err)).Warn("event handling failed")
	}
	w.Metrics.ObserveApply(time.Since(start))
}

// change is what one applied event did inside the ledger transaction and
// what is left to do on the exchange afterwards.
type change struct {
	outcome ledger.Outcome
	before  ledger.Order
	after   ledger.Order
	fill    float64
	price   float64

	protect    []ledger.Order // recorded PENDING, to be placed
	protectErr error
	replace    []ledger.Order // live protective orders superseded by protect
	sibling    string         // to cancel after a protective fill
	overshoot  float64        // exit fill larger than the position
}

// Handle applies one event to the ledger, then carries out the exchange
// calls the change calls for.
func (w *Worker) Handle(ctx context.Context, ev common.OrderEvent) error {
	const op = "reconciliation.Handle"
	if ev.Position != nil {
		return w.applySnapshot(ctx, ev)
	}

	ref := common.OrderRef{ClientOrderID: ev.ClientOrderID, ExchangeOrderID: ev.ExchangeOrderID}
	if _, ok := w.Ledger.Resolve(ref); !ok {
		return w.unknown(ev)
	}

	var c change
	err := w.Ledger.Update(ctx, func(tx *ledger.Tx) error {
		o, ok := tx.Resolve(ref)
		if !ok {
			return errs.Inconsistency(op, "order %s vanished from the ledger", ev.ClientOrderID)
		}
		c = w.apply(tx, o, ev)
		return nil
	})
	if err != nil {
		return err
	}

	w.Journal.RecordEvent(ev, c.outcome.String())
	entry := log.WithFields(logrus.Fields{
		"client_order_id": c.after.ClientOrderID,
		"role":            c.after.Role,
		"symbol":          c.after.Symbol,
		"source":          ev.Source,
	})
	if c.outcome != ledger.Applied {
		w.Metrics.Inc(monitor.EventsDiscarded)
		entry.WithFields(logrus.Fields{"outcome": c.outcome, "event_status": ev.Status, "status": c.before.Status}).Debug("event discarded")
		return nil
	}
	w.Metrics.Inc(monitor.EventsApplied)
	entry.WithFields(logrus.Fields{
		"from":         c.before.Status,
		"to":           c.after.Status,
		"executed_qty": c.after.ExecutedQty,
		"fill":         c.fill,
	}).Info("order advanced")

	for _, old := range c.replace {
		w.cancel(ctx, old, "replaced after add-position fill")
	}
	for _, po := range c.protect {
		w.place(ctx, po)
	}
	if c.sibling != "" {
		if sib, ok := w.Ledger.Order(c.sibling); ok && sib.Status.IsActive() {
			w.cancel(ctx, sib, "sibling filled")
		}
	}

	if c.protectErr != nil {
		return c.protectErr
	}
	if c.overshoot > 0 {
		w.requestResync()
		return errs.Inconsistency(op, "exit fill on %s exceeds position by %v", c.after.Key(), c.overshoot)
	}
	return nil
}

// apply runs inside the ledger transaction.
func (w *Worker) apply(tx *ledger.Tx, o ledger.Order, ev common.OrderEvent) change {
	next, outcome := ledger.Advance(o, ledger.Transition{
		Status:          ev.Status,
		ExecutedQty:     ev.ExecutedQty,
		AvgPrice:        ev.AvgPrice,
		ExchangeOrderID: ev.ExchangeOrderID,
		At:              tx.Now(),
	})
	c := change{outcome: outcome, before: o, after: next}
	if outcome != ledger.Applied {
		return c
	}
	next.LastEventSeq = tx.NextSeq()
	tx.PutOrder(next)
	c.after = next
	c.fill = next.ExecutedQty - o.ExecutedQty

	key := next.Key()
	p, exists := tx.Position(key)
	if !exists {
		p = ledger.Position{Symbol: key.Symbol, Side: key.Side}
	}
	touched := exists
	if c.fill > qtyEpsilon {
		c.price = fillPrice(o, next, ev)
		if next.Role == ledger.RoleEntry {
			p = p.Merge(c.fill, c.price)
		} else {
			if p.Quantity+qtyEpsilon < c.fill {
				c.overshoot = c.fill - p.Quantity
			}
			p = p.Reduce(c.fill)
		}
		touched = true
	}
	if touched {
		if next.Status.IsActive() {
			p = p.WithOpenOrder(next.ClientOrderID)
		} else {
			p = p.WithoutOpenOrder(next.ClientOrderID)
		}
	}

	switch {
	case next.Role == ledger.RoleEntry && next.Status.IsTerminal() && next.ExecutedQty > qtyEpsilon && !p.IsFlat():
		p = w.stageProtection(tx, next, p, &c)
	case next.Role.IsProtective() && next.Status == common.StatusFilled && next.LinkedOrderID != "":
		c.sibling = next.LinkedOrderID
	}
	if touched {
		tx.PutPosition(p)
	}
	return c
}

// stageProtection records a TP/SL pair covering the whole position at its
// current average cost. Protective orders already working on the position
// are scheduled for cancel.
func (w *Worker) stageProtection(tx *ledger.Tx, entry ledger.Order, p ledger.Position, c *change) ledger.Position {
	prot, err := w.Protection.Price(p.Symbol, p.Side, p.AvgEntryPrice, entry.ATR, entry.TPMultiplier)
	if err != nil {
		c.protectErr = err
		return p
	}
	for _, id := range p.OpenOrderIDs {
		if old, ok := tx.Order(id); ok && old.Role.IsProtective() && old.Status.IsActive() {
			c.replace = append(c.replace, old)
		}
	}

	base := ledger.Order{
		StrategyID:    entry.StrategyID,
		Symbol:        p.Symbol,
		Side:          prot.ExitSide,
		PositionSide:  p.Side,
		Quantity:      p.Quantity,
		ParentOrderID: entry.ClientOrderID,
		Status:        common.StatusPending,
		CreatedAt:     tx.Now(),
		UpdatedAt:     tx.Now(),
	}
	tp := base
	tp.ClientOrderID = order.TakeProfitID(entry.ClientOrderID)
	tp.Role = ledger.RoleTakeProfit
	tp.Type = common.OrderTypeLimit
	tp.Price = prot.TakeProfit
	staged := []ledger.Order{tp}
	if prot.HasStopLoss() {
		sl := base
		sl.ClientOrderID = order.StopLossID(entry.ClientOrderID)
		sl.Role = ledger.RoleStopLoss
		sl.Type = common.OrderTypeStopMarket
		sl.StopPrice = prot.StopLoss
		sl.LinkedOrderID = tp.ClientOrderID
		staged[0].LinkedOrderID = sl.ClientOrderID
		staged = append(staged, sl)
	}

	for _, po := range staged {
		if _, exists := tx.Order(po.ClientOrderID); exists {
			continue
		}
		tx.PutOrder(po)
		p = p.WithOpenOrder(po.ClientOrderID)
		c.protect = append(c.protect, po)
	}
	return p
}

func (w *Worker) place(ctx context.Context, po ledger.Order) {
	req := common.OrderRequest{
		Symbol:     po.Symbol,
		Side:       po.Side,
		Type:       po.Type,
		Qty:        po.Quantity,
		ClientID:   po.ClientOrderID,
		ReduceOnly: true,
	}
	switch po.Type {
	case common.OrderTypeLimit:
		req.Price = po.Price
		req.TimeInForce = common.TIFGTC
	case common.OrderTypeStopMarket:
		req.StopPrice = po.StopPrice
		req.WorkingType = "MARK_PRICE"
	}
	entry := log.WithFields(logrus.Fields{
		"client_order_id": po.ClientOrderID,
		"role":            po.Role,
		"symbol":          po.Symbol,
		"qty":             po.Quantity,
		"price":           po.Price,
		"stop_price":      po.StopPrice,
	})
	if _, err := order.Submit(ctx, w.Gateway, w.Ledger, w.forward, req); err != nil {
		w.Metrics.Inc(monitor.EventErrors)
		entry.WithError(err).Error("protective order failed")
		return
	}
	w.Metrics.Inc(monitor.ProtectiveOrdersPlaced)
	entry.Info("protective order placed")
}

// cancel is safe-idempotent: an order the exchange no longer has or already
// finished counts as done, and a resync settles its real state.
func (w *Worker) cancel(ctx context.Context, o ledger.Order, reason string) {
	entry := log.WithFields(logrus.Fields{"client_order_id": o.ClientOrderID, "role": o.Role, "reason": reason})
	res, err := w.Gateway.CancelOrder(ctx, o.Symbol, common.OrderRef{ClientOrderID: o.ClientOrderID, ExchangeOrderID: o.ExchangeOrderID})
	if err != nil {
		w.Metrics.Inc(monitor.EventErrors)
		entry.WithError(err).Error("cancel failed")
		w.requestResync()
		return
	}
	entry = entry.WithField("result", res)
	if res != common.CancelSuccess {
		entry.Info("cancel target already gone")
		w.requestResync()
		return
	}
	entry.Info("order canceled")
}

// forward re-queues ack states from protective placements. The worker must
// not wait on its own queue.
func (w *Worker) forward(_ context.Context, ev common.OrderEvent) error {
	if w.Queue.TryPush(ev) {
		return nil
	}
	w.requestResync()
	return errQueueFull
}

func (w *Worker) unknown(ev common.OrderEvent) error {
	if w.Owns(ev.ClientOrderID) && !endsWithoutFill(ev.Status) {
		w.Journal.RecordEvent(ev, outcomeUnknown)
		w.requestResync()
		log.WithFields(logrus.Fields{"client_order_id": ev.ClientOrderID, "symbol": ev.Symbol, "status": ev.Status, "executed_qty": ev.ExecutedQty}).Warn("event for an order missing from the ledger")
		return errs.Inconsistency("reconciliation.Handle", "event for unknown order %s", ev.ClientOrderID)
	}
	w.Metrics.Inc(monitor.EventsForeign)
	w.Journal.RecordEvent(ev, outcomeForeign)
	log.WithFields(logrus.Fields{"client_order_id": ev.ClientOrderID, "symbol": ev.Symbol, "status": ev.Status}).Debug("foreign order event ignored")
	return nil
}

// applySnapshot overwrites one position with the exchange's numbers.
func (w *Worker) applySnapshot(ctx context.Context, ev common.OrderEvent) error {
	snap := *ev.Position
	key := ledger.PositionKey{Symbol: snap.Symbol, Side: snap.Side}
	var before float64
	err := w.Ledger.Update(ctx, func(tx *ledger.Tx) error {
		p, ok := tx.Position(key)
		if !ok {
			p = ledger.Position{Symbol: key.Symbol, Side: key.Side}
		}
		before = p.Quantity
		p.Quantity = snap.Qty
		if snap.EntryPrice > 0 {
			p.AvgEntryPrice = snap.EntryPrice
		}
		tx.PutPosition(p)
		return nil
	})
	if err != nil {
		return err
	}
	w.Journal.RecordEvent(ev, outcomeSnapshot)
	w.Metrics.Inc(monitor.EventsApplied)
	log.WithFields(logrus.Fields{"position": key.String(), "from": before, "to": snap.Qty}).Warn("position set from exchange snapshot")
	return nil
}

// endsWithoutFill reports the terminal statuses a lost order can reach
// quietly. A fill on an order the ledger never saw always needs a resync.
func endsWithoutFill(st common.OrderStatus) bool {
	return st == common.StatusCanceled || st == common.StatusExpired || st == common.StatusRejected
}

func (w *Worker) requestResync() {
	if w.Resync != nil {
		w.Resync.Request()
	}
}

// fillPrice prices the quantity an event added. The cumulative average is
// preferred; the last fill price and then the order's own price are
// fallbacks.
func fillPrice(before, after ledger.Order, ev common.OrderEvent) float64 {
	delta := after.ExecutedQty - before.ExecutedQty
	if after.AvgFillPrice > 0 && (before.ExecutedQty <= qtyEpsilon || before.AvgFillPrice > 0) {
		if px := (after.AvgFillPrice*after.ExecutedQty - before.AvgFillPrice*before.ExecutedQty) / delta; px > 0 {
			return px
		}
	}
	if ev.LastFillPrice > 0 {
		return ev.LastFillPrice
	}
	if after.Price > 0 {
		return after.Price
	}
	return after.StopPrice
}
