package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/internal/persistence"
	"futures-engine/internal/stream"
	"futures-engine/pkg/exchanges/common"
)

// Report is the result of one position audit.
type Report struct {
	Timestamp time.Time             `json:"timestamp"`
	Diffs     []ledger.PositionDiff `json:"diffs"`
	HasDiffs  bool                  `json:"has_diffs"`
	Synced    int                   `json:"synced"`
}

// Alert fires when positions disagree.
func (r Report) Alert() (string, bool) {
	if !r.HasDiffs {
		return "", false
	}
	return fmt.Sprintf("position audit found %d mismatches (%d auto-synced)", len(r.Diffs), r.Synced), true
}

// AuditDeps are the auditor's collaborators. Resync, Journal, Metrics and
// Bus may be nil.
type AuditDeps struct {
	Gateway common.Gateway
	Ledger  *ledger.Ledger
	Queue   *stream.Queue
	Resync  Requester
	Journal *persistence.Journal
	Metrics *monitor.SystemMetrics
	Bus     *events.Bus
}

// Auditor periodically compares ledger positions with the exchange.
type Auditor struct {
	AuditDeps
	interval  time.Duration
	tolerance float64

	mu       sync.Mutex
	autoSync bool
	last     *Report
	now      func() time.Time
}

// NewAuditor builds an auditor. With autoSync the exchange quantities are
// sent through the worker queue as position snapshots.
func NewAuditor(deps AuditDeps, interval time.Duration, autoSync bool) *Auditor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Auditor{
		AuditDeps: deps,
		interval:  interval,
		tolerance: 1e-8,
		autoSync:  autoSync,
		now:       time.Now,
	}
}

// SetAutoSync enables or disables auto-sync.
func (a *Auditor) SetAutoSync(enabled bool) {
	a.mu.Lock()
	a.autoSync = enabled
	a.mu.Unlock()
	log.WithField("auto_sync", enabled).Info("audit auto-sync changed")
}

// Last returns the most recent report, if any.
func (a *Auditor) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// Run audits every interval until ctx is done.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	log.WithFields(logrus.Fields{"interval": a.interval, "auto_sync": a.autoSync}).Info("position audit started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Audit(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("position audit failed")
			}
		}
	}
}

// Audit runs one comparison.
func (a *Auditor) Audit(ctx context.Context) (Report, error) {
	remote, err := a.Gateway.QueryPositions(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("query positions: %w", err)
	}
	report := Report{
		Timestamp: a.now(),
		Diffs:     ledger.DiffPositions(a.Ledger.Positions(), remote, a.tolerance),
	}
	report.HasDiffs = len(report.Diffs) > 0

	a.mu.Lock()
	autoSync := a.autoSync
	a.mu.Unlock()

	if report.HasDiffs && autoSync {
		for _, d := range report.Diffs {
			ev := common.OrderEvent{
				Symbol:   d.Symbol,
				Side:     d.Side,
				Source:   common.SourceAudit,
				Position: &common.PositionSnapshot{Symbol: d.Symbol, Side: d.Side, Qty: d.ExchangeQty, EntryPrice: d.ExchangeAvg},
			}
			if err := a.Queue.Push(ctx, ev); err != nil {
				return report, err
			}
			report.Synced++
		}
	}

	a.handleReport(report)
	if report.HasDiffs && a.Resync != nil {
		a.Resync.Request()
	}
	return report, nil
}

func (a *Auditor) handleReport(report Report) {
	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	a.Bus.Publish(events.EventAuditReport, report)

	if !report.HasDiffs {
		log.Debug("position audit ok")
		return
	}
	for _, d := range report.Diffs {
		a.Metrics.Inc(monitor.AuditDiffs)
		log.WithFields(logrus.Fields{
			"symbol":       d.Symbol,
			"side":         d.Side,
			"local_qty":    d.LocalQty,
			"exchange_qty": d.ExchangeQty,
			"delta":        d.Delta,
		}).Warn("position mismatch")
	}
	if err := a.Journal.RecordAudit(report.Timestamp, len(report.Diffs), report.Synced, report.Diffs); err != nil {
		log.WithError(err).Error("saving audit report failed")
	}
}
