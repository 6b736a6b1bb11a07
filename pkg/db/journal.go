package db

import (
	"context"
	"fmt"
)

// OrderEvent is one journaled order event together with what the worker
// did with it. Timestamps are unix ms.
type OrderEvent struct {
	ID              string
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Status          string
	ExecutedQty     float64
	AvgPrice        float64
	Source          string
	Outcome         string
	ExchangeTime    int64
	ReceivedAt      int64
}

// AuditReport is one stored position audit. Detail is JSON.
type AuditReport struct {
	ID        string
	CreatedAt int64
	Diffs     int
	Synced    int
	Detail    string
}

// InsertOrderEvent appends to the event journal.
func (d *Database) InsertOrderEvent(ctx context.Context, e OrderEvent) error {
	_, err := d.conn().ExecContext(ctx, d.rebind(`
		INSERT INTO order_events (id, client_order_id, exchange_order_id, symbol, status, executed_qty,
			avg_price, source, outcome, exchange_time, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.ClientOrderID, e.ExchangeOrderID, e.Symbol, e.Status, e.ExecutedQty,
		e.AvgPrice, e.Source, e.Outcome, e.ExchangeTime, e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert order event for %s: %w", e.ClientOrderID, err)
	}
	return nil
}

// ListOrderEvents returns the journal of one order, oldest first.
func (d *Database) ListOrderEvents(ctx context.Context, clientOrderID string) ([]OrderEvent, error) {
	rows, err := d.conn().QueryContext(ctx, d.rebind(`
		SELECT id, client_order_id, exchange_order_id, symbol, status, executed_qty,
			avg_price, source, outcome, exchange_time, received_at
		FROM order_events WHERE client_order_id = ? ORDER BY received_at, id
	`), clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var e OrderEvent
		if err := rows.Scan(&e.ID, &e.ClientOrderID, &e.ExchangeOrderID, &e.Symbol, &e.Status, &e.ExecutedQty,
			&e.AvgPrice, &e.Source, &e.Outcome, &e.ExchangeTime, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertAuditReport stores one audit.
func (d *Database) InsertAuditReport(ctx context.Context, r AuditReport) error {
	_, err := d.conn().ExecContext(ctx, d.rebind(`
		INSERT INTO audit_reports (id, created_at, diffs, synced, detail) VALUES (?, ?, ?, ?, ?)
	`), r.ID, r.CreatedAt, r.Diffs, r.Synced, r.Detail)
	if err != nil {
		return fmt.Errorf("insert audit report: %w", err)
	}
	return nil
}

// ListAuditReports returns the newest reports first.
func (d *Database) ListAuditReports(ctx context.Context, limit int) ([]AuditReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn().QueryContext(ctx, d.rebind(fmt.Sprintf(`
		SELECT id, created_at, diffs, synced, detail FROM audit_reports
		ORDER BY created_at DESC LIMIT %d
	`, limit)))
	if err != nil {
		return nil, fmt.Errorf("query audit reports: %w", err)
	}
	defer rows.Close()

	var out []AuditReport
	for rows.Next() {
		var r AuditReport
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Diffs, &r.Synced, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan audit report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
