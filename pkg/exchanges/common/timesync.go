package common

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServerClock estimates the exchange clock for signed request timestamps.
// Each measurement takes a few samples and keeps the one with the shortest
// round trip, since that sample bounds the offset most tightly.
type ServerClock struct {
	fetch    func(ctx context.Context) (int64, error)
	interval time.Duration
	samples  int
	local    func() time.Time

	mu     sync.RWMutex
	offset time.Duration // server minus local
	rtt    time.Duration
	synced bool

	stale chan struct{}
}

// NewServerClock measures with fetch, which returns server time in unix ms.
// A zero interval defaults to 30 minutes.
func NewServerClock(fetch func(ctx context.Context) (int64, error), interval time.Duration) *ServerClock {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &ServerClock{
		fetch:    fetch,
		interval: interval,
		samples:  3,
		local:    time.Now,
		stale:    make(chan struct{}, 1),
	}
}

// Run measures now, then on every interval and whenever MarkStale is called,
// until ctx is done.
func (c *ServerClock) Run(ctx context.Context) {
	log := logrus.WithField("component", "server_clock")
	measure := func(reason string) {
		if err := c.Measure(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("reason", reason).Warn("server clock measurement failed")
		}
	}
	measure("start")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			measure("interval")
		case <-c.stale:
			measure("rejected timestamp")
		}
	}
}

// MarkStale asks Run for a fresh measurement, typically after the exchange
// refused a timestamp as outside recvWindow.
func (c *ServerClock) MarkStale() {
	select {
	case c.stale <- struct{}{}:
	default:
	}
}

// Measure samples the server and keeps the tightest estimate. It fails only
// when every sample fails.
func (c *ServerClock) Measure(ctx context.Context) error {
	var (
		best    time.Duration
		bestRTT time.Duration = -1
		lastErr error
	)
	for i := 0; i < c.samples; i++ {
		sent := c.local()
		serverMs, err := c.fetch(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		got := c.local()
		rtt := got.Sub(sent)
		if bestRTT >= 0 && rtt >= bestRTT {
			continue
		}
		mid := sent.Add(rtt / 2)
		best, bestRTT = time.UnixMilli(serverMs).Sub(mid), rtt
	}
	if bestRTT < 0 {
		return lastErr
	}

	c.mu.Lock()
	c.offset, c.rtt, c.synced = best, bestRTT, true
	c.mu.Unlock()
	logrus.WithFields(logrus.Fields{"component": "server_clock", "offset": best, "rtt": bestRTT}).Debug("server clock measured")
	return nil
}

// Offset is server time minus local time. It is zero before the first
// successful measurement.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Synced reports whether a measurement has succeeded.
func (c *ServerClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// Timestamp is the estimated server time in unix ms.
func (c *ServerClock) Timestamp() int64 {
	return c.local().Add(c.Offset()).UnixMilli()
}
