// Package market drives paper exchange marks from real candles.
package market

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/ledger"
	"futures-engine/pkg/exchanges/common"
)

var log = logrus.WithField("component", "market")

// MarkSink receives mark prices. *paper.Exchange implements it.
type MarkSink interface {
	SetMark(symbol string, price float64)
}

// Feed polls the latest kline close for every symbol the ledger has working
// orders on and moves the paper mark, so resting orders fill against real
// prices.
type Feed struct {
	Klines   common.KlineSource
	Ledger   *ledger.Ledger
	Sink     MarkSink
	Interval time.Duration
	KlineTF  string // candle timeframe, 1m by default
}

// Start polls until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	if f.Klines == nil || f.Ledger == nil || f.Sink == nil {
		log.Warn("market feed not fully configured; skipping start")
		return
	}
	if f.Interval <= 0 {
		f.Interval = 5 * time.Second
	}
	if f.KlineTF == "" {
		f.KlineTF = "1m"
	}
	go func() {
		ticker := time.NewTicker(f.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Poll(ctx)
			}
		}
	}()
}

// Poll moves the mark of every symbol with active orders once and returns
// how many marks were set.
func (f *Feed) Poll(ctx context.Context) int {
	set := 0
	for _, sym := range f.symbols() {
		klines, err := f.Klines.Klines(ctx, sym, f.KlineTF, 1)
		if err != nil {
			log.WithError(err).WithField("symbol", sym).Warn("mark poll failed")
			continue
		}
		if len(klines) == 0 || klines[len(klines)-1].Close <= 0 {
			continue
		}
		f.Sink.SetMark(sym, klines[len(klines)-1].Close)
		set++
	}
	return set
}

func (f *Feed) symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range f.Ledger.ActiveOrders() {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			out = append(out, o.Symbol)
		}
	}
	return out
}
