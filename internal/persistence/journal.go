// Package persistence holds the append-only journal written beside the
// ledger: every handled order event and every audit report.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"futures-engine/pkg/db"
	"futures-engine/pkg/exchanges/common"
)

// Journal records history through a BatchWriter. A nil *Journal discards.
type Journal struct {
	w   *BatchWriter
	now func() time.Time
}

// NewJournal wraps w.
func NewJournal(w *BatchWriter) *Journal {
	return &Journal{w: w, now: time.Now}
}

// RecordEvent appends ev with what the worker did with it.
func (j *Journal) RecordEvent(ev common.OrderEvent, outcome string) {
	if j == nil {
		return
	}
	row := db.OrderEvent{
		ID:              newID(),
		ClientOrderID:   ev.ClientOrderID,
		ExchangeOrderID: ev.ExchangeOrderID,
		Symbol:          ev.Symbol,
		Status:          string(ev.Status),
		ExecutedQty:     ev.ExecutedQty,
		AvgPrice:        ev.AvgPrice,
		Source:          string(ev.Source),
		Outcome:         outcome,
		ReceivedAt:      j.now().UnixMilli(),
	}
	if !ev.ExchangeTime.IsZero() {
		row.ExchangeTime = ev.ExchangeTime.UnixMilli()
	}
	if ev.Position != nil {
		row.Symbol = ev.Position.Symbol
		row.ExecutedQty = ev.Position.Qty
		row.AvgPrice = ev.Position.EntryPrice
		row.Status = "POSITION_" + string(ev.Position.Side)
	}
	j.w.Write(func(ctx context.Context, tx *db.Database) error {
		return tx.InsertOrderEvent(ctx, row)
	})
}

// RecordAudit stores one audit. detail is marshaled to JSON.
func (j *Journal) RecordAudit(at time.Time, diffs, synced int, detail any) error {
	if j == nil {
		return nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	row := db.AuditReport{
		ID:        newID(),
		CreatedAt: at.UnixMilli(),
		Diffs:     diffs,
		Synced:    synced,
		Detail:    string(raw),
	}
	j.w.Write(func(ctx context.Context, tx *db.Database) error {
		return tx.InsertAuditReport(ctx, row)
	})
	return nil
}

// Flush forces buffered records out.
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	return j.w.Flush()
}

// newID returns a time-ordered id so rows with the same timestamp keep their
// insertion order.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
