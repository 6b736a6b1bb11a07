package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// Column types are chosen to be valid in both SQLite and PostgreSQL.
// Timestamps are unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    client_order_id TEXT PRIMARY KEY,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    strategy_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    position_side TEXT NOT NULL,
    role TEXT NOT NULL,
    order_type TEXT NOT NULL,
    linked_order_id TEXT NOT NULL DEFAULT '',
    parent_order_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    quantity DOUBLE PRECISION NOT NULL,
    executed_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
    avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
    price DOUBLE PRECISION NOT NULL DEFAULT 0,
    stop_price DOUBLE PRECISION NOT NULL DEFAULT 0,
    add_position INTEGER NOT NULL DEFAULT 0,
    atr DOUBLE PRECISION NOT NULL DEFAULT 0,
    tp_multiplier DOUBLE PRECISION NOT NULL DEFAULT 0,
    reject_reason TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    last_event_seq BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS positions (
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity DOUBLE PRECISION NOT NULL,
    avg_entry_price DOUBLE PRECISION NOT NULL,
    open_order_ids TEXT NOT NULL DEFAULT '[]',
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (symbol, side)
);

CREATE TABLE IF NOT EXISTS order_events (
    id TEXT PRIMARY KEY,
    client_order_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    status TEXT NOT NULL,
    executed_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
    avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
    source TEXT NOT NULL,
    outcome TEXT NOT NULL,
    exchange_time BIGINT NOT NULL DEFAULT 0,
    received_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_events_client ON order_events(client_order_id);

CREATE TABLE IF NOT EXISTS audit_reports (
    id TEXT PRIMARY KEY,
    created_at BIGINT NOT NULL,
    diffs INTEGER NOT NULL,
    synced INTEGER NOT NULL,
    detail TEXT NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if d.Driver == DriverSQLite {
		if _, err := d.DB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
	}
	// One statement per Exec so both drivers point at the failing statement.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// Idempotent additions for ledgers created by older builds.
	if err := ensureColumn(d, "orders", "last_event_seq", "BIGINT NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(d *Database, table, column, definition string) error {
	exists, err := columnExists(d, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := d.DB.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(d *Database, table, column string) (bool, error) {
	if d.Driver == DriverPostgres {
		var n int
		err := d.DB.QueryRow(`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`, table, column).Scan(&n)
		return n > 0, err
	}

	rows, err := d.DB.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
