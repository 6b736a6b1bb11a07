package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/events"
	"futures-engine/pkg/db"
	"futures-engine/pkg/exchanges/common"
)

var log = logrus.WithField("component", "ledger")

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("duplicate client order id")
	ErrTerminal       = errors.New("order is terminal")
)

// Ledger keeps an in-memory view of orders and positions and persists every
// change before it becomes visible. Writes are serialized through Update;
// reads are served from memory.
type Ledger struct {
	db  *db.Database
	bus *events.Bus

	wmu sync.Mutex // serializes Update

	mu         sync.RWMutex
	orders     map[string]*Order
	byExchange map[string]string
	positions  map[PositionKey]*Position
	seq        int64

	now func() time.Time
}

// New builds a ledger on top of database. bus may be nil.
func New(database *db.Database, bus *events.Bus) *Ledger {
	return &Ledger{
		db:         database,
		bus:        bus,
		orders:     make(map[string]*Order),
		byExchange: make(map[string]string),
		positions:  make(map[PositionKey]*Position),
		now:        time.Now,
	}
}

// Load seeds memory from the database on startup.
func (l *Ledger) Load(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	rows, err := l.db.ListOrders(ctx, db.OrderFilter{})
	if err != nil {
		return err
	}
	pos, err := l.db.ListPositions(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rows {
		o := orderFromRow(r)
		l.putOrderLocked(o)
		if o.LastEventSeq > l.seq {
			l.seq = o.LastEventSeq
		}
	}
	for _, r := range pos {
		p := positionFromRow(r)
		l.positions[p.Key()] = &p
	}
	log.WithFields(logrus.Fields{"orders": len(rows), "positions": len(pos)}).Info("ledger loaded")
	return nil
}

// Order returns a copy of the order with the given client id.
func (l *Ledger) Order(clientOrderID string) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Resolve finds an order by client id, falling back to the exchange id.
func (l *Ledger) Resolve(ref common.OrderRef) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resolveLocked(ref)
}

func (l *Ledger) resolveLocked(ref common.OrderRef) (Order, bool) {
	if o, ok := l.orders[ref.ClientOrderID]; ok && ref.ClientOrderID != "" {
		return *o, true
	}
	if ref.ExchangeOrderID != "" {
		if id, ok := l.byExchange[ref.ExchangeOrderID]; ok {
			return *l.orders[id], true
		}
	}
	return Order{}, false
}

// ActiveEntry returns the working ENTRY order for a position, if any.
func (l *Ledger) ActiveEntry(key PositionKey) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeEntryLocked(key)
}

func (l *Ledger) activeEntryLocked(key PositionKey) (Order, bool) {
	for _, o := range l.orders {
		if o.Role == RoleEntry && o.Status.IsActive() && o.Key() == key {
			return *o, true
		}
	}
	return Order{}, false
}

// ActiveOrders returns every non-terminal order, oldest first.
func (l *Ledger) ActiveOrders() []Order {
	return l.Orders(Filter{Active: true})
}

// Filter narrows Orders. Zero values match everything.
type Filter struct {
	Active bool
	Status common.OrderStatus
	Symbol string
	Role   Role
}

// Orders returns matching orders sorted by creation time.
func (l *Ledger) Orders(f Filter) []Order {
	l.mu.RLock()
	out := make([]Order, 0, len(l.orders))
	for _, o := range l.orders {
		if f.Active && !o.Status.IsActive() {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Role != "" && o.Role != f.Role {
			continue
		}
		out = append(out, *o)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Position returns the position for key, if one is open.
func (l *Ledger) Position(key PositionKey) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key]
	if !ok {
		return Position{}, false
	}
	return clonePosition(*p), true
}

// Positions returns all open positions.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, clonePosition(*p))
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// Insert records a new order as PENDING before it is sent to the exchange.
func (l *Ledger) Insert(ctx context.Context, o Order) (Order, error) {
	err := l.Update(ctx, func(tx *Tx) error {
		if _, exists := tx.Order(o.ClientOrderID); exists {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ClientOrderID)
		}
		now := tx.Now()
		o.Status = common.StatusPending
		o.CreatedAt = now
		o.UpdatedAt = now
		tx.PutOrder(o)
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	stored, _ := l.Order(o.ClientOrderID)
	return stored, nil
}

// Update runs fn against a staged view of the ledger. When fn returns nil the
// staged orders and positions are persisted in one database transaction and
// only then become visible to readers. Calls are serialized.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Tx) error) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	tx := &Tx{
		l:         l,
		at:        l.now(),
		orders:    make(map[string]Order),
		positions: make(map[PositionKey]Position),
		deleted:   make(map[PositionKey]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}

	if l.db != nil {
		err := l.db.InTx(ctx, func(dbtx *db.Database) error {
			for _, o := range tx.orders {
				if err := dbtx.UpsertOrder(ctx, orderToRow(o)); err != nil {
					return err
				}
			}
			for key := range tx.deleted {
				if err := dbtx.DeletePosition(ctx, key.Symbol, string(key.Side)); err != nil {
					return err
				}
			}
			for _, p := range tx.positions {
				if err := dbtx.UpsertPosition(ctx, positionToRow(p)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persist ledger update: %w", err)
		}
	}

	l.mu.Lock()
	for _, o := range tx.orders {
		l.putOrderLocked(o)
	}
	for key := range tx.deleted {
		delete(l.positions, key)
	}
	for key, p := range tx.positions {
		p := p
		l.positions[key] = &p
	}
	if tx.seq > l.seq {
		l.seq = tx.seq
	}
	l.mu.Unlock()

	for _, o := range tx.orders {
		l.bus.Publish(events.EventOrderUpdated, o)
	}
	for key := range tx.deleted {
		l.bus.Publish(events.EventPositionChanged, Position{Symbol: key.Symbol, Side: key.Side, UpdatedAt: tx.at})
	}
	for _, p := range tx.positions {
		l.bus.Publish(events.EventPositionChanged, clonePosition(p))
	}
	return nil
}

func (l *Ledger) putOrderLocked(o Order) {
	stored := o
	l.orders[o.ClientOrderID] = &stored
	if o.ExchangeOrderID != "" {
		l.byExchange[o.ExchangeOrderID] = o.ClientOrderID
	}
}

// Tx is a staged view handed to Update callbacks. Reads see staged writes.
type Tx struct {
	l         *Ledger
	at        time.Time
	seq       int64
	orders    map[string]Order
	positions map[PositionKey]Position
	deleted   map[PositionKey]bool
}

// Now is the timestamp stamped on everything written by this Tx.
func (tx *Tx) Now() time.Time { return tx.at }

// NextSeq hands out the next event sequence number.
func (tx *Tx) NextSeq() int64 {
	if tx.seq == 0 {
		tx.l.mu.RLock()
		tx.seq = tx.l.seq
		tx.l.mu.RUnlock()
	}
	tx.seq++
	return tx.seq
}

// Order reads an order, staged writes first.
func (tx *Tx) Order(clientOrderID string) (Order, bool) {
	if o, ok := tx.orders[clientOrderID]; ok {
		return o, true
	}
	return tx.l.Order(clientOrderID)
}

// Resolve reads an order by client or exchange id.
func (tx *Tx) Resolve(ref common.OrderRef) (Order, bool) {
	if o, ok := tx.orders[ref.ClientOrderID]; ok {
		return o, true
	}
	if ref.ExchangeOrderID != "" {
		for _, o := range tx.orders {
			if o.ExchangeOrderID == ref.ExchangeOrderID {
				return o, true
			}
		}
	}
	return tx.l.Resolve(ref)
}

// ActiveEntry is Ledger.ActiveEntry with staged writes applied.
func (tx *Tx) ActiveEntry(key PositionKey) (Order, bool) {
	for _, o := range tx.orders {
		if o.Role == RoleEntry && o.Status.IsActive() && o.Key() == key {
			return o, true
		}
	}
	o, ok := tx.l.ActiveEntry(key)
	if !ok {
		return Order{}, false
	}
	if staged, found := tx.orders[o.ClientOrderID]; found && !staged.Status.IsActive() {
		return Order{}, false
	}
	return o, true
}

// PutOrder stages an order write.
func (tx *Tx) PutOrder(o Order) {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = tx.at
	}
	tx.orders[o.ClientOrderID] = o
}

// Position reads a position, staged writes first.
func (tx *Tx) Position(key PositionKey) (Position, bool) {
	if tx.deleted[key] {
		return Position{}, false
	}
	if p, ok := tx.positions[key]; ok {
		return clonePosition(p), true
	}
	return tx.l.Position(key)
}

// PutPosition stages a position write. A flat position is deleted instead.
func (tx *Tx) PutPosition(p Position) {
	key := p.Key()
	if p.IsFlat() {
		tx.DeletePosition(key)
		return
	}
	p.UpdatedAt = tx.at
	delete(tx.deleted, key)
	tx.positions[key] = clonePosition(p)
}

// DeletePosition stages a position removal.
func (tx *Tx) DeletePosition(key PositionKey) {
	delete(tx.positions, key)
	if _, ok := tx.l.Position(key); ok {
		tx.deleted[key] = true
	}
}

func (tx *Tx) empty() bool {
	return len(tx.orders) == 0 && len(tx.positions) == 0 && len(tx.deleted) == 0
}

func clonePosition(p Position) Position {
	if p.OpenOrderIDs != nil {
		p.OpenOrderIDs = append([]string(nil), p.OpenOrderIDs...)
	}
	return p
}

func orderToRow(o Order) db.Order {
	return db.Order{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		StrategyID:      o.StrategyID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		PositionSide:    string(o.PositionSide),
		Role:            string(o.Role),
		OrderType:       string(o.Type),
		LinkedOrderID:   o.LinkedOrderID,
		ParentOrderID:   o.ParentOrderID,
		Status:          string(o.Status),
		Quantity:        o.Quantity,
		ExecutedQty:     o.ExecutedQty,
		AvgFillPrice:    o.AvgFillPrice,
		Price:           o.Price,
		StopPrice:       o.StopPrice,
		AddPosition:     o.AddPosition,
		ATR:             o.ATR,
		TPMultiplier:    o.TPMultiplier,
		RejectReason:    o.RejectReason,
		CreatedAt:       o.CreatedAt.UnixMilli(),
		UpdatedAt:       o.UpdatedAt.UnixMilli(),
		LastEventSeq:    o.LastEventSeq,
	}
}

func orderFromRow(r db.Order) Order {
	return Order{
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		StrategyID:      r.StrategyID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		PositionSide:    common.Side(r.PositionSide),
		Role:            Role(r.Role),
		Type:            common.OrderType(r.OrderType),
		LinkedOrderID:   r.LinkedOrderID,
		ParentOrderID:   r.ParentOrderID,
		Status:          common.OrderStatus(r.Status),
		Quantity:        r.Quantity,
		ExecutedQty:     r.ExecutedQty,
		AvgFillPrice:    r.AvgFillPrice,
		Price:           r.Price,
		StopPrice:       r.StopPrice,
		AddPosition:     r.AddPosition,
		ATR:             r.ATR,
		TPMultiplier:    r.TPMultiplier,
		RejectReason:    r.RejectReason,
		CreatedAt:       time.UnixMilli(r.CreatedAt),
		UpdatedAt:       time.UnixMilli(r.UpdatedAt),
		LastEventSeq:    r.LastEventSeq,
	}
}

func positionToRow(p Position) db.Position {
	return db.Position{
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Quantity:      p.Quantity,
		AvgEntryPrice: p.AvgEntryPrice,
		OpenOrderIDs:  p.OpenOrderIDs,
		UpdatedAt:     p.UpdatedAt.UnixMilli(),
	}
}

func positionFromRow(r db.Position) Position {
	return Position{
		Symbol:        r.Symbol,
		Side:          common.Side(r.Side),
		Quantity:      r.Quantity,
		AvgEntryPrice: r.AvgEntryPrice,
		OpenOrderIDs:  r.OpenOrderIDs,
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}
}
