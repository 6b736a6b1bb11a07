package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Order is one persisted exchange order. Timestamps are unix ms.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	StrategyID      string
	Symbol          string
	Side            string
	PositionSide    string
	Role            string
	OrderType       string
	LinkedOrderID   string
	ParentOrderID   string
	Status          string
	Quantity        float64
	ExecutedQty     float64
	AvgFillPrice    float64
	Price           float64
	StopPrice       float64
	AddPosition     bool
	ATR             float64
	TPMultiplier    float64
	RejectReason    string
	CreatedAt       int64
	UpdatedAt       int64
	LastEventSeq    int64
}

// Position is one persisted (symbol, side) position.
type Position struct {
	Symbol        string
	Side          string
	Quantity      float64
	AvgEntryPrice float64
	OpenOrderIDs  []string
	UpdatedAt     int64
}

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	Statuses []string
	Symbol   string
	Limit    int
}

const orderColumns = `client_order_id, exchange_order_id, strategy_id, symbol, side, position_side,
	role, order_type, linked_order_id, parent_order_id, status, quantity, executed_qty,
	avg_fill_price, price, stop_price, add_position, atr, tp_multiplier, reject_reason,
	created_at, updated_at, last_event_seq`

// UpsertOrder inserts or replaces the mutable fields of an order keyed by
// client_order_id.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.conn().ExecContext(ctx, d.rebind(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			linked_order_id = excluded.linked_order_id,
			status = excluded.status,
			executed_qty = excluded.executed_qty,
			avg_fill_price = excluded.avg_fill_price,
			reject_reason = excluded.reject_reason,
			updated_at = excluded.updated_at,
			last_event_seq = excluded.last_event_seq
	`),
		o.ClientOrderID, o.ExchangeOrderID, o.StrategyID, o.Symbol, o.Side, o.PositionSide,
		o.Role, o.OrderType, o.LinkedOrderID, o.ParentOrderID, o.Status, o.Quantity, o.ExecutedQty,
		o.AvgFillPrice, o.Price, o.StopPrice, boolToInt(o.AddPosition), o.ATR, o.TPMultiplier, o.RejectReason,
		o.CreatedAt, o.UpdatedAt, o.LastEventSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder loads one order by client id.
func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (Order, error) {
	row := d.conn().QueryRowContext(ctx, d.rebind(`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`), clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// ListOrders returns orders newest first.
func (d *Database) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, client_order_id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := d.conn().QueryContext(ctx, d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (Order, error) {
	var (
		o   Order
		add int
	)
	err := s.Scan(
		&o.ClientOrderID, &o.ExchangeOrderID, &o.StrategyID, &o.Symbol, &o.Side, &o.PositionSide,
		&o.Role, &o.OrderType, &o.LinkedOrderID, &o.ParentOrderID, &o.Status, &o.Quantity, &o.ExecutedQty,
		&o.AvgFillPrice, &o.Price, &o.StopPrice, &add, &o.ATR, &o.TPMultiplier, &o.RejectReason,
		&o.CreatedAt, &o.UpdatedAt, &o.LastEventSeq,
	)
	o.AddPosition = add != 0
	return o, err
}

// UpsertPosition writes a position keyed by (symbol, side).
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	ids := p.OpenOrderIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = d.conn().ExecContext(ctx, d.rebind(`
		INSERT INTO positions (symbol, side, quantity, avg_entry_price, open_order_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, side) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			open_order_ids = excluded.open_order_ids,
			updated_at = excluded.updated_at
	`), p.Symbol, p.Side, p.Quantity, p.AvgEntryPrice, string(encoded), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.Symbol, p.Side, err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (d *Database) DeletePosition(ctx context.Context, symbol, side string) error {
	_, err := d.conn().ExecContext(ctx, d.rebind(`DELETE FROM positions WHERE symbol = ? AND side = ?`), symbol, side)
	return err
}

// ListPositions returns all open positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.conn().QueryContext(ctx, `
		SELECT symbol, side, quantity, avg_entry_price, open_order_ids, updated_at
		FROM positions ORDER BY symbol, side
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var (
			p   Position
			ids string
		)
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice, &ids, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &p.OpenOrderIDs); err != nil {
			return nil, fmt.Errorf("decode open_order_ids for %s/%s: %w", p.Symbol, p.Side, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
