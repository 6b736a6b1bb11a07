// Package paper is an in-process futures venue for dry runs and tests. It
// answers the Gateway calls and emits order events the way the live user
// data stream does.
package paper

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

var log = logrus.WithField("component", "paper")

// Sink receives emitted events in order.
type Sink func(ctx context.Context, ev common.OrderEvent) error

// Config shapes the simulation.
type Config struct {
	SlippageBps float64       // applied to market and stop fills
	LatencyMin  time.Duration // simulated call latency lower bound
	LatencyMax  time.Duration
}

type order struct {
	snap       common.OrderSnapshot
	stopPrice  float64
	reduceOnly bool
}

type posKey struct {
	symbol string
	side   common.Side
}

// Exchange is the paper venue. Call Run to deliver events to the sink.
type Exchange struct {
	cfg Config

	mu        sync.Mutex
	orders    map[string]*order // exchange id -> order
	byClient  map[string]string
	positions map[posKey]*common.PositionSnapshot
	marks     map[string]float64
	leverage  map[string]int
	margin    map[string]string
	rng       *rand.Rand
	now       func() time.Time

	outMu  sync.Mutex
	outbox []common.OrderEvent
	notify chan struct{}
}

// New creates an empty paper exchange.
func New(cfg Config) *Exchange {
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	return &Exchange{
		cfg:       cfg,
		orders:    make(map[string]*order),
		byClient:  make(map[string]string),
		positions: make(map[posKey]*common.PositionSnapshot),
		marks:     make(map[string]float64),
		leverage:  make(map[string]int),
		margin:    make(map[string]string),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		notify:    make(chan struct{}, 1),
	}
}

// Run delivers emitted events to sink, in emission order, until ctx is done.
func (e *Exchange) Run(ctx context.Context, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.notify:
		}
		for {
			e.outMu.Lock()
			if len(e.outbox) == 0 {
				e.outMu.Unlock()
				break
			}
			ev := e.outbox[0]
			e.outbox = e.outbox[1:]
			e.outMu.Unlock()
			if err := sink(ctx, ev); err != nil {
				log.WithError(err).Warn("event delivery stopped")
				return
			}
		}
	}
}

func (e *Exchange) emit(evs ...common.OrderEvent) {
	if len(evs) == 0 {
		return
	}
	e.outMu.Lock()
	e.outbox = append(e.outbox, evs...)
	e.outMu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Exchange) latency(ctx context.Context) error {
	if e.cfg.LatencyMax <= 0 {
		return ctx.Err()
	}
	d := e.cfg.LatencyMin
	if span := e.cfg.LatencyMax - e.cfg.LatencyMin; span > 0 {
		e.mu.Lock()
		d += time.Duration(e.rng.Int63n(int64(span) + 1))
		e.mu.Unlock()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Transient("paper", ctx.Err())
	case <-t.C:
		return nil
	}
}

// PlaceOrder accepts an order as NEW. MARKET orders fill at once against the
// mark price.
func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	const op = "paper.PlaceOrder"
	if err := e.latency(ctx); err != nil {
		return common.OrderResult{}, err
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, errs.Rejection(op, -4003, "Quantity less than or equal to zero.")
	}

	e.mu.Lock()
	if req.ClientID != "" {
		if _, dup := e.byClient[req.ClientID]; dup {
			e.mu.Unlock()
			return common.OrderResult{}, errs.Rejection(op, -4116, "ClientOrderId is duplicated.")
		}
	}
	if req.ReduceOnly {
		if p := e.positions[posKey{req.Symbol, req.Side.Opposite()}]; p == nil || p.Qty <= 0 {
			e.mu.Unlock()
			return common.OrderResult{}, errs.Rejection(op, -2022, "ReduceOnly Order is rejected.")
		}
	}
	mark, hasMark := e.marks[req.Symbol]
	if req.Type == common.OrderTypeMarket && !hasMark {
		e.mu.Unlock()
		return common.OrderResult{}, errs.Rejection(op, -4131, "no mark price for market order")
	}

	id := req.ClientID
	if id == "" {
		id = "paper-" + uuid.NewString()[:8]
	}
	o := &order{
		snap: common.OrderSnapshot{
			Symbol:          req.Symbol,
			ClientOrderID:   id,
			ExchangeOrderID: uuid.NewString(),
			Side:            req.Side,
			Type:            req.Type,
			Status:          common.StatusNew,
			Price:           req.Price,
			OrigQty:         req.Qty,
			UpdateTime:      e.now(),
		},
		stopPrice:  req.StopPrice,
		reduceOnly: req.ReduceOnly,
	}
	e.orders[o.snap.ExchangeOrderID] = o
	e.byClient[id] = o.snap.ExchangeOrderID
	evs := []common.OrderEvent{e.event(o, 0)}
	if req.Type == common.OrderTypeMarket {
		evs = append(evs, e.fillLocked(o, o.snap.OrigQty, e.slipped(mark, req.Side)))
	} else if hasMark {
		evs = append(evs, e.matchLocked(req.Symbol, mark)...)
	}
	res := common.OrderResult{
		ExchangeOrderID: o.snap.ExchangeOrderID,
		ClientID:        id,
		Status:          o.snap.Status,
		ExecutedQty:     o.snap.ExecutedQty,
		AvgPrice:        o.snap.AvgPrice,
	}
	e.mu.Unlock()

	e.emit(evs...)
	log.WithFields(logrus.Fields{"client_order_id": id, "symbol": req.Symbol, "side": req.Side, "type": req.Type, "qty": req.Qty}).Debug("paper order accepted")
	return res, nil
}

// CancelOrder cancels a working order.
func (e *Exchange) CancelOrder(ctx context.Context, symbol string, ref common.OrderRef) (common.CancelResult, error) {
	if err := e.latency(ctx); err != nil {
		return 0, err
	}
	e.mu.Lock()
	o := e.lookupLocked(ref)
	if o == nil {
		e.mu.Unlock()
		return common.CancelNotFound, nil
	}
	if o.snap.Status.IsTerminal() {
		e.mu.Unlock()
		return common.CancelAlreadyTerminal, nil
	}
	o.snap.Status = common.StatusCanceled
	o.snap.UpdateTime = e.now()
	ev := e.event(o, 0)
	e.mu.Unlock()

	e.emit(ev)
	return common.CancelSuccess, nil
}

// QueryOrder returns one order.
func (e *Exchange) QueryOrder(ctx context.Context, symbol string, ref common.OrderRef) (common.OrderSnapshot, error) {
	if err := e.latency(ctx); err != nil {
		return common.OrderSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.lookupLocked(ref)
	if o == nil {
		return common.OrderSnapshot{}, errs.NotFound("paper.QueryOrder", -2013, "Order does not exist.")
	}
	return o.snap, nil
}

// QueryOpenOrders lists working orders; symbol optional.
func (e *Exchange) QueryOpenOrders(ctx context.Context, symbol string) ([]common.OrderSnapshot, error) {
	if err := e.latency(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []common.OrderSnapshot
	for _, o := range e.orders {
		if o.snap.Status.IsActive() && (symbol == "" || o.snap.Symbol == symbol) {
			out = append(out, o.snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdateTime.Before(out[j].UpdateTime) })
	return out, nil
}

// QueryPositions lists non-empty positions; symbol optional.
func (e *Exchange) QueryPositions(ctx context.Context, symbol string) ([]common.PositionSnapshot, error) {
	if err := e.latency(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []common.PositionSnapshot
	for _, p := range e.positions {
		if p.Qty > 0 && (symbol == "" || p.Symbol == symbol) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out, nil
}

// SetLeverage records the leverage.
func (e *Exchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

// SetMarginType records the margin type.
func (e *Exchange) SetMarginType(_ context.Context, symbol, marginType string) error {
	e.mu.Lock()
	e.margin[symbol] = marginType
	e.mu.Unlock()
	return nil
}

// Leverage reports the leverage last set for symbol.
func (e *Exchange) Leverage(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverage[symbol]
}

// SetMark moves the mark price and fills every order it crosses: limits at
// their price, stops at the mark with slippage.
func (e *Exchange) SetMark(symbol string, price float64) {
	e.mu.Lock()
	e.marks[symbol] = price
	evs := e.matchLocked(symbol, price)
	e.mu.Unlock()
	e.emit(evs...)
}

// Fill executes qty of a working order at price, as a partial fill when
// qty is less than what remains.
func (e *Exchange) Fill(ref common.OrderRef, qty, price float64) error {
	e.mu.Lock()
	o := e.lookupLocked(ref)
	if o == nil {
		e.mu.Unlock()
		return errs.NotFound("paper.Fill", -2013, "Order does not exist.")
	}
	if !o.snap.Status.IsActive() {
		e.mu.Unlock()
		return errs.Rejection("paper.Fill", 0, "order is "+string(o.snap.Status))
	}
	ev := e.fillLocked(o, qty, price)
	e.mu.Unlock()
	e.emit(ev)
	return nil
}

// Forget drops an order as if the exchange had purged it.
func (e *Exchange) Forget(ref common.OrderRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o := e.lookupLocked(ref); o != nil {
		delete(e.byClient, o.snap.ClientOrderID)
		delete(e.orders, o.snap.ExchangeOrderID)
	}
}

func (e *Exchange) lookupLocked(ref common.OrderRef) *order {
	if ref.ExchangeOrderID != "" {
		if o, ok := e.orders[ref.ExchangeOrderID]; ok {
			return o
		}
	}
	if id, ok := e.byClient[ref.ClientOrderID]; ok {
		return e.orders[id]
	}
	return nil
}

func (e *Exchange) matchLocked(symbol string, mark float64) []common.OrderEvent {
	var hits []*order
	for _, o := range e.orders {
		if o.snap.Symbol != symbol || !o.snap.Status.IsActive() {
			continue
		}
		if crosses(o, mark) {
			hits = append(hits, o)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].snap.UpdateTime.Before(hits[j].snap.UpdateTime) })

	var evs []common.OrderEvent
	for _, o := range hits {
		price := o.snap.Price
		if o.snap.Type != common.OrderTypeLimit {
			price = e.slipped(mark, o.snap.Side)
		}
		evs = append(evs, e.fillLocked(o, o.snap.OrigQty-o.snap.ExecutedQty, price))
	}
	return evs
}

func crosses(o *order, mark float64) bool {
	buy := o.snap.Side == common.SideBuy
	switch o.snap.Type {
	case common.OrderTypeLimit:
		return (buy && mark <= o.snap.Price) || (!buy && mark >= o.snap.Price)
	case common.OrderTypeStopMarket:
		return (buy && mark >= o.stopPrice) || (!buy && mark <= o.stopPrice)
	case common.OrderTypeTakeProfitMarket:
		return (buy && mark <= o.stopPrice) || (!buy && mark >= o.stopPrice)
	}
	return false
}

func (e *Exchange) slipped(price float64, side common.Side) float64 {
	frac := e.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	noise := e.rng.Float64() * frac
	if side == common.SideBuy {
		return price * (1 + noise)
	}
	return price * (1 - noise)
}

// fillLocked executes qty of o and moves the position. Reduce-only fills are
// capped at the position size.
func (e *Exchange) fillLocked(o *order, qty, price float64) common.OrderEvent {
	remaining := o.snap.OrigQty - o.snap.ExecutedQty
	if qty > remaining {
		qty = remaining
	}
	posSide := o.snap.Side
	if o.reduceOnly {
		posSide = o.snap.Side.Opposite()
	}
	key := posKey{o.snap.Symbol, posSide}
	p := e.positions[key]
	if p == nil {
		p = &common.PositionSnapshot{Symbol: o.snap.Symbol, Side: posSide}
		e.positions[key] = p
	}
	if o.reduceOnly && qty > p.Qty {
		qty = p.Qty
	}

	if qty > 0 {
		notional := o.snap.AvgPrice*o.snap.ExecutedQty + price*qty
		o.snap.ExecutedQty += qty
		o.snap.AvgPrice = notional / o.snap.ExecutedQty
		if o.reduceOnly {
			p.Qty -= qty
			if p.Qty <= 1e-12 {
				delete(e.positions, key)
			}
		} else {
			p.EntryPrice = (p.EntryPrice*p.Qty + price*qty) / (p.Qty + qty)
			p.Qty += qty
		}
	}

	switch {
	case o.snap.OrigQty-o.snap.ExecutedQty <= 1e-12:
		o.snap.Status = common.StatusFilled
	case o.reduceOnly && qty == 0:
		// Nothing left to reduce.
		o.snap.Status = common.StatusExpired
	default:
		o.snap.Status = common.StatusPartiallyFilled
	}
	o.snap.UpdateTime = e.now()
	return e.event(o, price)
}

func (e *Exchange) event(o *order, lastPrice float64) common.OrderEvent {
	return common.OrderEvent{
		ClientOrderID:   o.snap.ClientOrderID,
		ExchangeOrderID: o.snap.ExchangeOrderID,
		Symbol:          o.snap.Symbol,
		Side:            o.snap.Side,
		Status:          o.snap.Status,
		ExecutedQty:     o.snap.ExecutedQty,
		AvgPrice:        o.snap.AvgPrice,
		LastFillPrice:   lastPrice,
		ExchangeTime:    o.snap.UpdateTime,
		Source:          common.SourcePaper,
	}
}
