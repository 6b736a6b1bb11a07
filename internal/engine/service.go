// Package engine is the boundary between the HTTP layer and the order
// lifecycle components. The API only talks to the engine through Service.
package engine

import (
	"context"
	"errors"

	"futures-engine/internal/ledger"
	"futures-engine/internal/order"
	"futures-engine/internal/reconciliation"
)

// ErrNotPaper is returned by the paper controls when the engine trades live.
var ErrNotPaper = errors.New("paper controls are only available in dry-run mode")

// Service defines the engine operations exposed to the API layer.
type Service interface {
	// Signal intake
	SubmitSignal(ctx context.Context, in order.Instruction) (order.Result, error)

	// Ledger queries
	ListOrders(ctx context.Context, f ledger.Filter) []ledger.Order
	GetOrder(ctx context.Context, clientOrderID string) (*OrderDetail, error)
	ListPositions(ctx context.Context) []ledger.Position

	// Reconciliation
	RequestResync()
	LastAudit() (reconciliation.Report, bool)

	// Paper venue controls
	SetMarkPrice(ctx context.Context, symbol string, price float64) error
	FillOrder(ctx context.Context, clientOrderID string, qty, price float64) error

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
