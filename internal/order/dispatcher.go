package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/internal/risk"
	"futures-engine/internal/strategy"
	"futures-engine/pkg/cache"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

var log = logrus.WithField("component", "dispatcher")

// ErrEntryInFlight is returned when an ENTRY for the same (symbol, side) is
// still working.
var ErrEntryInFlight = errors.New("entry order already working for this symbol and side")

// Outcome is the short answer to a dispatch.
type Outcome string

const (
	OutcomePlaced    Outcome = "placed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Result describes what Dispatch did.
type Result struct {
	Outcome       Outcome       `json:"status"`
	ClientOrderID string        `json:"client_order_id,omitempty"`
	Price         float64       `json:"price,omitempty"`
	AddPosition   bool          `json:"add_position"`
	Reason        string        `json:"reason,omitempty"`
	Order         *ledger.Order `json:"order,omitempty"`
}

// Config holds dispatcher settings.
type Config struct {
	Leverage      int
	MarginType    string
	KlineInterval string
	Limits        risk.Limits
}

// Deps are the collaborators a Dispatcher needs. Klines, Forward, Dedup,
// Block, Metrics and Bus may be nil.
type Deps struct {
	Ledger   *ledger.Ledger
	Gateway  common.Gateway
	Klines   common.KlineSource
	Forward  Forwarder
	Profiles *strategy.Profiles
	IDs      *IDGenerator
	Dedup    *cache.ShardedTTLCache
	Block    *BlockWindow
	Metrics  *monitor.SystemMetrics
	Bus      *events.Bus
}

// Dispatcher turns instructions into ENTRY orders.
type Dispatcher struct {
	Deps
	cfg Config
	now func() time.Time
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(deps Deps, cfg Config) *Dispatcher {
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "15m"
	}
	if deps.Profiles == nil {
		deps.Profiles = strategy.DefaultProfiles(45 * time.Minute)
	}
	return &Dispatcher{Deps: deps, cfg: cfg, now: time.Now}
}

// Dispatch validates in, prices it and places the ENTRY order. The order is
// recorded PENDING before the exchange call so that stream events racing the
// acknowledgment find it.
func (d *Dispatcher) Dispatch(ctx context.Context, in Instruction) (Result, error) {
	d.Metrics.Inc(monitor.SignalsReceived)
	in.Normalize()
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	entry := log.WithFields(logrus.Fields{"symbol": in.Symbol, "side": in.Side, "strategy": in.StrategyID})

	if now := d.now(); d.Block.Contains(now) {
		entry.WithField("window", d.Block.String()).Info("signal inside trading block window, ignored")
		d.Metrics.Inc(monitor.SignalsIgnored)
		return d.finish(Result{Outcome: OutcomeBlocked, Reason: "trading block window " + d.Block.String()}), nil
	}

	profile := d.Profiles.Get(in.StrategyID)
	mode := PriceModeClose
	switch {
	case in.PriceMode != nil:
		mode = *in.PriceMode
	case profile.DefaultPriceMode != nil:
		mode = *profile.DefaultPriceMode
	}

	candles, err := d.candles(ctx, in)
	if err != nil {
		return Result{}, err
	}
	price, err := EntryPrice(in.Symbol, in.Side, mode, candles, profile.DiscountPct)
	if err != nil {
		return Result{}, err
	}

	fingerprint := in.StrategyID + "|" + in.Symbol + "|" + string(in.Side) + "|" + strconv.FormatFloat(price, 'f', -1, 64)
	if d.Dedup != nil && !d.Dedup.Claim(fingerprint) {
		entry.WithField("price", price).Info("duplicate signal dropped")
		d.Metrics.Inc(monitor.SignalsDeduplicated)
		return d.finish(Result{Outcome: OutcomeDuplicate, Price: price, Reason: "identical signal within dedup window"}), nil
	}
	// Only a placed entry holds its fingerprint. A signal turned away below
	// may be sent again at once.
	placed := false
	if d.Dedup != nil {
		defer func() {
			if !placed {
				d.Dedup.Release(fingerprint)
			}
		}()
	}

	key := ledger.PositionKey{Symbol: in.Symbol, Side: in.Side}
	if _, ok := d.Ledger.Position(ledger.PositionKey{Symbol: in.Symbol, Side: in.Side.Opposite()}); ok {
		entry.Info("opposite position open, signal ignored")
		d.Metrics.Inc(monitor.SignalsIgnored)
		return d.finish(Result{Outcome: OutcomeIgnored, Price: price, Reason: "opposite position open"}), nil
	}
	if _, ok := d.Ledger.ActiveEntry(key); ok {
		return Result{}, ErrEntryInFlight
	}
	current, add := d.Ledger.Position(key)

	limitPrice := price
	if in.OrderType == common.OrderTypeMarket {
		limitPrice = candles.Close
	}
	if err := d.cfg.Limits.Check(risk.CheckRequest{
		Symbol:        in.Symbol,
		Qty:           in.Quantity,
		Price:         limitPrice,
		OpenPositions: len(d.Ledger.Positions()),
		NewPosition:   !add,
		CurrentQty:    current.Quantity,
		CurrentAvg:    current.AvgEntryPrice,
	}); err != nil {
		d.Metrics.Inc(monitor.OrdersRejected)
		return d.finish(Result{Outcome: OutcomeRejected, Price: price, Reason: err.Error()}), err
	}

	// The exchange call and its bookkeeping must finish even if the caller
	// goes away, or the PENDING record would be left behind.
	ctx = context.WithoutCancel(ctx)
	if !add {
		d.prepareSymbol(ctx, in)
	}

	o := ledger.Order{
		ClientOrderID: d.IDs.Next(in.StrategyID, in.Symbol, in.Side),
		StrategyID:    in.StrategyID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		PositionSide:  in.Side,
		Role:          ledger.RoleEntry,
		Type:          in.OrderType,
		Quantity:      in.Quantity,
		Price:         price,
		ATR:           in.ATR,
		TPMultiplier:  risk.TPMultiplier(in.SignalType, profile.TPMultiplier, mode),
	}
	if o.Type == common.OrderTypeMarket {
		o.Price = 0
	}
	err = d.Ledger.Update(ctx, func(tx *ledger.Tx) error {
		if _, ok := tx.Position(ledger.PositionKey{Symbol: in.Symbol, Side: in.Side.Opposite()}); ok {
			return errOppositeOpen
		}
		if _, ok := tx.ActiveEntry(key); ok {
			return ErrEntryInFlight
		}
		var pos ledger.Position
		pos, add = tx.Position(key)
		o.AddPosition = add
		o.Status = common.StatusPending
		o.CreatedAt = tx.Now()
		o.UpdatedAt = tx.Now()
		tx.PutOrder(o)
		if add {
			tx.PutPosition(pos.WithOpenOrder(o.ClientOrderID))
		}
		return nil
	})
	switch {
	case errors.Is(err, errOppositeOpen):
		d.Metrics.Inc(monitor.SignalsIgnored)
		return d.finish(Result{Outcome: OutcomeIgnored, Price: price, Reason: "opposite position open"}), nil
	case err != nil:
		return Result{}, err
	}
	entry = entry.WithFields(logrus.Fields{"client_order_id": o.ClientOrderID, "price": o.Price, "qty": o.Quantity, "add_position": add})
	entry.Info("entry recorded, placing")

	req := common.OrderRequest{
		Symbol:   o.Symbol,
		Side:     o.Side,
		Type:     o.Type,
		Qty:      o.Quantity,
		ClientID: o.ClientOrderID,
	}
	if o.Type == common.OrderTypeLimit {
		req.Price = o.Price
		req.TimeInForce = common.TIFGTD
		req.GoodTillDate = d.now().Add(profile.Timeout())
	}

	stored, err := Submit(ctx, d.Gateway, d.Ledger, d.Forward, req)
	if err != nil {
		d.Metrics.Inc(monitor.OrdersRejected)
		return d.finish(Result{
			Outcome:       OutcomeRejected,
			ClientOrderID: o.ClientOrderID,
			Price:         o.Price,
			AddPosition:   add,
			Reason:        err.Error(),
			Order:         &stored,
		}), err
	}
	placed = true
	d.Metrics.Inc(monitor.OrdersDispatched)
	entry.WithFields(logrus.Fields{"exchange_order_id": stored.ExchangeOrderID, "status": stored.Status}).Info("entry placed")
	return d.finish(Result{Outcome: OutcomePlaced, ClientOrderID: o.ClientOrderID, Price: o.Price, AddPosition: add, Order: &stored}), nil
}

var errOppositeOpen = errors.New("opposite position open")

func (d *Dispatcher) candles(ctx context.Context, in Instruction) (Candles, error) {
	if in.HasCandles() {
		return CandlesFrom(in), nil
	}
	if d.Klines == nil {
		return Candles{}, errs.Validation("order.Dispatch", "close price is required")
	}
	c, err := FetchCandles(ctx, d.Klines, in.Symbol, d.cfg.KlineInterval)
	if err != nil {
		return Candles{}, fmt.Errorf("fetch candles for %s: %w", in.Symbol, err)
	}
	return c, nil
}

// prepareSymbol sets leverage and margin type before a new position. Failures
// are logged; the exchange keeps its previous settings.
func (d *Dispatcher) prepareSymbol(ctx context.Context, in Instruction) {
	sc, ok := d.Gateway.(common.SymbolConfigurer)
	if !ok {
		return
	}
	margin := in.MarginType
	if margin == "" {
		margin = d.cfg.MarginType
	}
	if d.cfg.Leverage > 0 {
		if err := sc.SetLeverage(ctx, in.Symbol, d.cfg.Leverage); err != nil {
			log.WithError(err).WithField("symbol", in.Symbol).Warn("set leverage failed")
		}
	}
	if margin != "" {
		if err := sc.SetMarginType(ctx, in.Symbol, margin); err != nil {
			log.WithError(err).WithField("symbol", in.Symbol).Warn("set margin type failed")
		}
	}
}

func (d *Dispatcher) finish(r Result) Result {
	d.Bus.Publish(events.EventSignalHandled, r)
	return r
}
