package common

import (
	"context"
	"time"
)

// Gateway is the synchronous request/response surface of a futures venue.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// CancelOrder must report a missing or already-terminal order through
	// CancelResult rather than an error.
	CancelOrder(ctx context.Context, symbol string, ref OrderRef) (CancelResult, error)
	QueryOrder(ctx context.Context, symbol string, ref OrderRef) (OrderSnapshot, error)
	QueryOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error)
	QueryPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error)
}

// SymbolConfigurer is implemented by venues that need per-symbol account
// settings before a new position is opened.
type SymbolConfigurer interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
}

// KlineSource fetches recent candles.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// EventSource tags where an order event came from.
type EventSource string

const (
	SourceStream  EventSource = "stream"
	SourceResync  EventSource = "resync"
	SourceSweeper EventSource = "sweeper"
	SourcePaper   EventSource = "paper"
	SourceAudit   EventSource = "audit"
	SourceAck     EventSource = "ack"
)

// OrderEvent is a normalized order status change.
type OrderEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Status          OrderStatus
	ExecutedQty     float64 // cumulative
	AvgPrice        float64 // cumulative average fill price
	LastFillPrice   float64
	ExchangeTime    time.Time
	Source          EventSource

	// Position carries an exchange position snapshot instead of an order
	// update when non-nil (audit auto-sync).
	Position *PositionSnapshot
}
