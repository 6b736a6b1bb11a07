// Package gateway wraps a venue client with per-call timeouts, bounded
// retries for transient failures and health tracking.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

var log = logrus.WithField("component", "gateway")

// Config holds the retry policy.
type Config struct {
	Timeout    time.Duration // per attempt
	MaxRetries int           // extra attempts after the first
	Backoff    Backoff
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		Backoff:    Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second},
	}
}

// Observer is told about every attempt; monitor hooks latency here.
type Observer func(op string, elapsed time.Duration, err error)

// Venue is what the wrapper needs from an exchange client.
type Venue interface {
	common.Gateway
}

// Health is a point-in-time view of the venue connection.
type Health struct {
	Healthy     bool      `json:"healthy"`
	Failures    int       `json:"consecutive_failures"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}

// Gateway retries transient failures of the wrapped venue. Validation,
// rejection and not-found errors are returned at once.
type Gateway struct {
	venue    Venue
	cfg      Config
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	failures    int
	lastSuccess time.Time
	lastErr     string
}

// New wraps venue.
func New(venue Venue, cfg Config, observer Observer) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Gateway{venue: venue, cfg: cfg, observer: observer, sleep: sleepCtx}
}

// FailureThreshold is the number of consecutive failed attempts after which
// Health reports the venue unhealthy.
const FailureThreshold = 3

// Health reports the connection state.
func (g *Gateway) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Health{
		Healthy:     g.failures < FailureThreshold,
		Failures:    g.failures,
		LastSuccess: g.lastSuccess,
		LastError:   g.lastErr,
	}
}

// PlaceOrder sends an order. A retry after a transient failure first asks the
// venue whether the earlier attempt landed, so the same client id is never
// placed twice.
func (g *Gateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	var (
		res       common.OrderResult
		uncertain bool
	)
	ref := common.OrderRef{ClientOrderID: req.ClientID}
	err := g.retry(ctx, "place_order", func(ctx context.Context) error {
		if uncertain && req.ClientID != "" {
			snap, err := g.venue.QueryOrder(ctx, req.Symbol, ref)
			switch {
			case err == nil:
				log.WithField("client_order_id", req.ClientID).Info("earlier placement attempt landed")
				res = common.OrderResult{
					ExchangeOrderID: snap.ExchangeOrderID,
					ClientID:        snap.ClientOrderID,
					Status:          snap.Status,
					ExecutedQty:     snap.ExecutedQty,
					AvgPrice:        snap.AvgPrice,
				}
				return nil
			case errs.KindOf(err) != errs.KindNotFound:
				return err
			}
		}
		r, err := g.venue.PlaceOrder(ctx, req)
		if err != nil {
			uncertain = uncertain || errs.KindOf(err) == errs.KindTransient
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// CancelOrder cancels by reference.
func (g *Gateway) CancelOrder(ctx context.Context, symbol string, ref common.OrderRef) (common.CancelResult, error) {
	var res common.CancelResult
	err := g.retry(ctx, "cancel_order", func(ctx context.Context) error {
		r, err := g.venue.CancelOrder(ctx, symbol, ref)
		res = r
		return err
	})
	return res, err
}

// QueryOrder fetches one order.
func (g *Gateway) QueryOrder(ctx context.Context, symbol string, ref common.OrderRef) (common.OrderSnapshot, error) {
	var snap common.OrderSnapshot
	err := g.retry(ctx, "query_order", func(ctx context.Context) error {
		s, err := g.venue.QueryOrder(ctx, symbol, ref)
		snap = s
		return err
	})
	return snap, err
}

// QueryOpenOrders lists open orders, all symbols when symbol is empty.
func (g *Gateway) QueryOpenOrders(ctx context.Context, symbol string) ([]common.OrderSnapshot, error) {
	var out []common.OrderSnapshot
	err := g.retry(ctx, "query_open_orders", func(ctx context.Context) error {
		s, err := g.venue.QueryOpenOrders(ctx, symbol)
		out = s
		return err
	})
	return out, err
}

// QueryPositions lists non-flat positions.
func (g *Gateway) QueryPositions(ctx context.Context, symbol string) ([]common.PositionSnapshot, error) {
	var out []common.PositionSnapshot
	err := g.retry(ctx, "query_positions", func(ctx context.Context) error {
		s, err := g.venue.QueryPositions(ctx, symbol)
		out = s
		return err
	})
	return out, err
}

// SetLeverage forwards to the venue when it supports per-symbol settings.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	sc, ok := g.venue.(common.SymbolConfigurer)
	if !ok {
		return nil
	}
	return g.retry(ctx, "set_leverage", func(ctx context.Context) error {
		return sc.SetLeverage(ctx, symbol, leverage)
	})
}

// SetMarginType forwards to the venue when it supports per-symbol settings.
func (g *Gateway) SetMarginType(ctx context.Context, symbol, marginType string) error {
	sc, ok := g.venue.(common.SymbolConfigurer)
	if !ok {
		return nil
	}
	return g.retry(ctx, "set_margin_type", func(ctx context.Context) error {
		return sc.SetMarginType(ctx, symbol, marginType)
	})
}

func (g *Gateway) retry(ctx context.Context, op string, call func(ctx context.Context) error) error {
	attempts := g.cfg.MaxRetries + 1
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, g.cfg.Backoff.Delay(attempt-1)); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		start := time.Now()
		err := call(callCtx)
		cancel()
		if g.observer != nil {
			g.observer(op, time.Since(start), err)
		}
		g.record(err)

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs.KindOf(err) != errs.KindTransient {
			return err
		}
		last = err
		log.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1, "of": attempts}).WithError(err).Warn("transient gateway failure")
	}
	return errs.Exhausted("gateway."+op, attempts, last)
}

func (g *Gateway) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil || errs.KindOf(err) != errs.KindTransient {
		// A definitive answer means the venue is reachable.
		g.failures = 0
		g.lastSuccess = time.Now()
		if err == nil {
			g.lastErr = ""
		}
		return
	}
	g.failures++
	g.lastErr = err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
