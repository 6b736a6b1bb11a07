// Package sweeper cancels ENTRY orders that stayed unfilled past their
// strategy's timeout.
package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/internal/strategy"
	"futures-engine/internal/stream"
	"futures-engine/pkg/cache"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

var log = logrus.WithField("component", "sweeper")

// Config holds the sweep cadence. Grace is added to every strategy timeout.
type Config struct {
	Interval time.Duration
	Grace    time.Duration
}

// Deps are the sweeper's collaborators. Metrics may be nil.
type Deps struct {
	Ledger   *ledger.Ledger
	Gateway  common.Gateway
	Queue    *stream.Queue
	Profiles *strategy.Profiles
	Metrics  *monitor.SystemMetrics
}

// Sweeper never writes the ledger. Cancels come back as events through the
// worker. Orders the cancel cannot find are queried, and only those the
// exchange has no record of are pushed as synthetic EXPIRED events.
type Sweeper struct {
	Deps
	cfg Config
	// recent holds orders already handled, so a cancel whose event is still
	// on its way is not sent again every interval.
	recent *cache.ShardedTTLCache
	now    func() time.Time
}

// New builds a sweeper.
func New(deps Deps, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if deps.Profiles == nil {
		deps.Profiles = strategy.DefaultProfiles(45 * time.Minute)
	}
	return &Sweeper{
		Deps:   deps,
		cfg:    cfg,
		recent: cache.NewShardedTTLCache(12 * cfg.Interval),
		now:    time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	log.WithFields(logrus.Fields{"interval": s.cfg.Interval, "grace": s.cfg.Grace}).Info("timeout sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
			s.recent.Cleanup()
		}
	}
}

// Sweep handles every overdue ENTRY once and returns how many it acted on.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()
	acted := 0
	for _, o := range s.Ledger.Orders(ledger.Filter{Active: true, Role: ledger.RoleEntry}) {
		limit := s.Profiles.Get(o.StrategyID).Timeout() + s.cfg.Grace
		if now.Sub(o.CreatedAt) <= limit {
			continue
		}
		if !s.recent.Claim(o.ClientOrderID) {
			continue
		}
		if err := s.expire(ctx, o, now); err != nil {
			s.recent.Release(o.ClientOrderID)
			log.WithError(err).WithField("client_order_id", o.ClientOrderID).Warn("timeout cancel failed, will retry")
			continue
		}
		acted++
	}
	return acted
}

func (s *Sweeper) expire(ctx context.Context, o ledger.Order, now time.Time) error {
	entry := log.WithFields(logrus.Fields{
		"client_order_id": o.ClientOrderID,
		"symbol":          o.Symbol,
		"strategy":        o.StrategyID,
		"age":             now.Sub(o.CreatedAt).Round(time.Second),
	})
	ref := common.OrderRef{ClientOrderID: o.ClientOrderID, ExchangeOrderID: o.ExchangeOrderID}
	res, err := s.Gateway.CancelOrder(ctx, o.Symbol, ref)
	if err != nil {
		return err
	}
	s.Metrics.Inc(monitor.SweeperCancels)

	if res == common.CancelSuccess {
		entry.Info("timed-out entry canceled")
		return nil
	}

	// Binance answers "unknown order" for filled orders too, so a missing
	// order is only expired once the exchange cannot find it either.
	snap, err := s.Gateway.QueryOrder(ctx, o.Symbol, ref)
	switch {
	case err == nil:
		entry.WithFields(logrus.Fields{"cancel": res, "exchange_status": snap.Status}).Info("timed-out entry already finished on exchange")
		return s.Queue.Push(ctx, common.OrderEvent{
			ClientOrderID:   snap.ClientOrderID,
			ExchangeOrderID: snap.ExchangeOrderID,
			Symbol:          snap.Symbol,
			Side:            snap.Side,
			Status:          snap.Status,
			ExecutedQty:     snap.ExecutedQty,
			AvgPrice:        snap.AvgPrice,
			ExchangeTime:    snap.UpdateTime,
			Source:          common.SourceSweeper,
		})
	case errs.Is(err, errs.KindNotFound):
		entry.Warn("timed-out entry unknown to exchange, expiring locally")
		return s.Queue.Push(ctx, common.OrderEvent{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Status:          common.StatusExpired,
			ExecutedQty:     o.ExecutedQty,
			AvgPrice:        o.AvgFillPrice,
			ExchangeTime:    now,
			Source:          common.SourceSweeper,
		})
	default:
		return err
	}
}
