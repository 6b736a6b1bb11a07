package engine

import (
	"time"

	"futures-engine/internal/gateway"
	"futures-engine/internal/ledger"
)

// OrderDetail is one ledger order with the events the worker saw for it.
type OrderDetail struct {
	Order   ledger.Order   `json:"order"`
	Journal []JournalEntry `json:"journal"`
}

// JournalEntry is one journaled order event.
type JournalEntry struct {
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Status          string    `json:"status"`
	ExecutedQty     float64   `json:"executed_qty"`
	AvgPrice        float64   `json:"avg_price"`
	Source          string    `json:"source"`
	Outcome         string    `json:"outcome"`
	ExchangeTime    time.Time `json:"exchange_time"`
	ReceivedAt      time.Time `json:"received_at"`
}

// SystemStatus represents the engine's runtime state.
type SystemStatus struct {
	Mode          string          `json:"mode"` // LIVE or DRY_RUN
	DryRun        bool            `json:"dry_run"`
	Venue         string          `json:"venue"`
	Version       string          `json:"version"`
	OrderIDPrefix string          `json:"order_id_prefix"`
	StartedAt     time.Time       `json:"started_at"`
	OpenOrders    int             `json:"open_orders"`
	Positions     int             `json:"positions"`
	QueueDepth    int             `json:"queue_depth"`
	Gateway       *gateway.Health `json:"gateway,omitempty"`
}
