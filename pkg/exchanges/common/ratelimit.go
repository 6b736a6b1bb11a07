package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var rlLog = logrus.WithField("component", "ratelimit")

// RateLimiter paces outgoing requests and tracks the venue's reported
// request weight (X-MBX-USED-WEIGHT-1M for Binance).
type RateLimiter struct {
	pacer *rate.Limiter

	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter creates a limiter allowing rps requests per second (burst
// burst) with a weight budget of limit per resetInterval.
func NewRateLimiter(rps float64, burst, limit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		pacer:         rate.NewLimiter(rate.Limit(rps), burst),
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until a request may be sent. When the weight budget is nearly
// spent it also waits for the window to roll over.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.ShouldDelay() {
		rl.mu.RLock()
		wait := rl.resetInterval - time.Since(rl.lastReset)
		rl.mu.RUnlock()
		if wait > 0 {
			rlLog.Warnf("weight budget nearly spent, pausing %v", wait)
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return rl.pacer.Wait(ctx)
}

// UpdateFromHeader updates the used weight from API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		rlLog.Errorf("rate limit critical: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, percentage)
	} else if percentage >= 80 {
		rlLog.Warnf("rate limit warning: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, percentage)
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true if we should delay the next request.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}
