package engine

import (
	"context"
	"fmt"
	"time"

	"futures-engine/internal/gateway"
	"futures-engine/internal/ledger"
	"futures-engine/internal/order"
	"futures-engine/internal/persistence"
	"futures-engine/internal/reconciliation"
	"futures-engine/internal/stream"
	"futures-engine/pkg/db"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
	"futures-engine/pkg/exchanges/paper"
)

// Resyncer schedules a resynchronization pass.
type Resyncer interface {
	Request()
}

// Impl implements Service by composing the engine components.
type Impl struct {
	dispatcher *order.Dispatcher
	ledger     *ledger.Ledger
	db         *db.Database
	journal    *persistence.Journal
	resync     Resyncer
	auditor    *reconciliation.Auditor
	paper      *paper.Exchange
	health     func() gateway.Health
	queue      *stream.Queue

	meta SystemStatus
}

// Config holds what NewImpl composes. Journal, Auditor, Paper, Health and
// Queue are optional.
type Config struct {
	Dispatcher *order.Dispatcher
	Ledger     *ledger.Ledger
	DB         *db.Database
	Journal    *persistence.Journal
	Resync     Resyncer
	Auditor    *reconciliation.Auditor
	Paper      *paper.Exchange
	Health     func() gateway.Health
	Queue      *stream.Queue
	Meta       SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	meta := cfg.Meta
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	return &Impl{
		dispatcher: cfg.Dispatcher,
		ledger:     cfg.Ledger,
		db:         cfg.DB,
		journal:    cfg.Journal,
		resync:     cfg.Resync,
		auditor:    cfg.Auditor,
		paper:      cfg.Paper,
		health:     cfg.Health,
		queue:      cfg.Queue,
		meta:       meta,
	}
}

// --- Signal intake ---

func (e *Impl) SubmitSignal(ctx context.Context, in order.Instruction) (order.Result, error) {
	return e.dispatcher.Dispatch(ctx, in)
}

// --- Ledger queries ---

func (e *Impl) ListOrders(_ context.Context, f ledger.Filter) []ledger.Order {
	return e.ledger.Orders(f)
}

func (e *Impl) GetOrder(ctx context.Context, clientOrderID string) (*OrderDetail, error) {
	o, ok := e.ledger.Order(clientOrderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrOrderNotFound, clientOrderID)
	}
	detail := &OrderDetail{Order: o, Journal: []JournalEntry{}}
	if e.db == nil {
		return detail, nil
	}
	// Events still sitting in the batch would be missing from the read.
	if err := e.journal.Flush(); err != nil {
		return nil, fmt.Errorf("flush journal: %w", err)
	}
	rows, err := e.db.ListOrderEvents(ctx, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	for _, r := range rows {
		detail.Journal = append(detail.Journal, JournalEntry{
			ExchangeOrderID: r.ExchangeOrderID,
			Status:          r.Status,
			ExecutedQty:     r.ExecutedQty,
			AvgPrice:        r.AvgPrice,
			Source:          r.Source,
			Outcome:         r.Outcome,
			ExchangeTime:    time.UnixMilli(r.ExchangeTime),
			ReceivedAt:      time.UnixMilli(r.ReceivedAt),
		})
	}
	return detail, nil
}

func (e *Impl) ListPositions(_ context.Context) []ledger.Position {
	return e.ledger.Positions()
}

// --- Reconciliation ---

func (e *Impl) RequestResync() {
	if e.resync != nil {
		e.resync.Request()
	}
}

func (e *Impl) LastAudit() (reconciliation.Report, bool) {
	if e.auditor == nil {
		return reconciliation.Report{}, false
	}
	return e.auditor.Last()
}

// --- Paper venue controls ---

func (e *Impl) SetMarkPrice(_ context.Context, symbol string, price float64) error {
	if e.paper == nil {
		return ErrNotPaper
	}
	if symbol == "" || price <= 0 {
		return errs.Validation("engine.SetMarkPrice", "symbol and a positive price are required")
	}
	e.paper.SetMark(symbol, price)
	return nil
}

// FillOrder fills a working order on the paper venue. Zero qty fills what
// remains and zero price uses the order's limit price.
func (e *Impl) FillOrder(_ context.Context, clientOrderID string, qty, price float64) error {
	const op = "engine.FillOrder"
	if e.paper == nil {
		return ErrNotPaper
	}
	if qty < 0 || price < 0 {
		return errs.Validation(op, "qty and price must not be negative")
	}
	if o, ok := e.ledger.Order(clientOrderID); ok {
		if qty == 0 {
			qty = o.Quantity - o.ExecutedQty
		}
		if price == 0 {
			price = o.Price
		}
	}
	if qty <= 0 || price <= 0 {
		return errs.Validation(op, "qty and price are required for %s", clientOrderID)
	}
	return e.paper.Fill(common.OrderRef{ClientOrderID: clientOrderID}, qty, price)
}

// --- System ---

func (e *Impl) GetSystemStatus(_ context.Context) *SystemStatus {
	status := e.meta
	status.OpenOrders = len(e.ledger.ActiveOrders())
	status.Positions = len(e.ledger.Positions())
	if e.queue != nil {
		status.QueueDepth = e.queue.Len()
	}
	if e.health != nil {
		h := e.health()
		status.Gateway = &h
	}
	return &status
}
