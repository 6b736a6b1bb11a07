package ledger

import (
	"math"
	"time"

	"futures-engine/pkg/exchanges/common"
)

// Role is the job an order does for its position.
type Role string

const (
	RoleEntry      Role = "ENTRY"
	RoleTakeProfit Role = "TAKE_PROFIT"
	RoleStopLoss   Role = "STOP_LOSS"
)

// IsProtective reports whether the role is TAKE_PROFIT or STOP_LOSS.
func (r Role) IsProtective() bool { return r == RoleTakeProfit || r == RoleStopLoss }

// qtyEpsilon absorbs float noise in quantity comparisons.
const qtyEpsilon = 1e-9

// Order is one exchange order as the ledger knows it.
type Order struct {
	ClientOrderID   string             `json:"client_order_id"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	StrategyID      string             `json:"strategy_id"`
	Symbol          string             `json:"symbol"`
	Side            common.Side        `json:"side"`
	PositionSide    common.Side        `json:"position_side"` // side of the position this order opens or closes
	Role            Role               `json:"role"`
	Type            common.OrderType   `json:"type"`
	LinkedOrderID   string             `json:"linked_order_id,omitempty"` // protective sibling
	ParentOrderID   string             `json:"parent_order_id,omitempty"` // entry that spawned a protective order
	Status          common.OrderStatus `json:"status"`
	Quantity        float64            `json:"quantity"`
	ExecutedQty     float64            `json:"executed_qty"`
	AvgFillPrice    float64            `json:"avg_fill_price"`
	Price           float64            `json:"price"`
	StopPrice       float64            `json:"stop_price,omitempty"`
	AddPosition     bool               `json:"add_position"`
	ATR             float64            `json:"atr,omitempty"`
	TPMultiplier    float64            `json:"tp_multiplier,omitempty"`
	RejectReason    string             `json:"reject_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	LastEventSeq    int64              `json:"last_event_seq"`
}

// Key returns the position this order belongs to.
func (o Order) Key() PositionKey { return PositionKey{Symbol: o.Symbol, Side: o.PositionSide} }

// PositionKey identifies a position.
type PositionKey struct {
	Symbol string
	Side   common.Side
}

func (k PositionKey) String() string { return k.Symbol + "/" + string(k.Side) }

// Position is the net exposure in one direction of one symbol.
type Position struct {
	Symbol        string      `json:"symbol"`
	Side          common.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	AvgEntryPrice float64     `json:"avg_entry_price"`
	OpenOrderIDs  []string    `json:"open_order_ids"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Key returns the position's key.
func (p Position) Key() PositionKey { return PositionKey{Symbol: p.Symbol, Side: p.Side} }

// IsFlat reports whether nothing is held.
func (p Position) IsFlat() bool { return p.Quantity <= qtyEpsilon }

// Merge adds a fill at price using weighted average cost.
func (p Position) Merge(qty, price float64) Position {
	if qty <= 0 {
		return p
	}
	total := p.Quantity + qty
	p.AvgEntryPrice = (p.AvgEntryPrice*p.Quantity + price*qty) / total
	p.Quantity = total
	return p
}

// Reduce removes an exit fill. The average entry price is unchanged and the
// quantity never goes below zero.
func (p Position) Reduce(qty float64) Position {
	p.Quantity = math.Max(0, p.Quantity-qty)
	if p.Quantity <= qtyEpsilon {
		p.Quantity = 0
	}
	return p
}

// HasOpenOrder reports whether id is in p's open-order set.
func (p Position) HasOpenOrder(id string) bool {
	for _, existing := range p.OpenOrderIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// WithOpenOrder returns p with id in its open-order set.
func (p Position) WithOpenOrder(id string) Position {
	if p.HasOpenOrder(id) {
		return p
	}
	ids := make([]string, 0, len(p.OpenOrderIDs)+1)
	ids = append(ids, p.OpenOrderIDs...)
	p.OpenOrderIDs = append(ids, id)
	return p
}

// WithoutOpenOrder returns p with id removed from its open-order set.
func (p Position) WithoutOpenOrder(id string) Position {
	ids := make([]string, 0, len(p.OpenOrderIDs))
	for _, existing := range p.OpenOrderIDs {
		if existing != id {
			ids = append(ids, existing)
		}
	}
	p.OpenOrderIDs = ids
	return p
}

// Transition is an observed status change for one order.
type Transition struct {
	Status          common.OrderStatus
	ExecutedQty     float64
	AvgPrice        float64
	ExchangeOrderID string
	At              time.Time
}

// Outcome says what Advance did with a transition.
type Outcome int

const (
	Applied   Outcome = iota
	Duplicate         // same status and executed quantity
	Stale             // lower in the status order, or executed quantity went backwards
	Immutable         // order already terminal
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Immutable:
		return "immutable"
	default:
		return "unknown"
	}
}

// Advance applies tr to o if it moves the order forward. An update moves
// forward when its status ranks strictly higher, when it acknowledges a
// PENDING order as NEW, or when it keeps the status rank and raises the
// executed quantity. Executed quantity never decreases.
func Advance(o Order, tr Transition) (Order, Outcome) {
	if o.Status.IsTerminal() {
		return o, Immutable
	}
	if tr.ExecutedQty+qtyEpsilon < o.ExecutedQty {
		return o, Stale
	}

	cur, next := o.Status.Rank(), tr.Status.Rank()
	switch {
	case next > cur:
	case o.Status == common.StatusPending && tr.Status == common.StatusNew:
	case next == cur && tr.ExecutedQty > o.ExecutedQty+qtyEpsilon:
	case next == cur:
		return o, Duplicate
	default:
		return o, Stale
	}

	o.Status = tr.Status
	if tr.ExecutedQty > o.ExecutedQty {
		o.ExecutedQty = tr.ExecutedQty
	}
	if tr.AvgPrice > 0 {
		o.AvgFillPrice = tr.AvgPrice
	}
	if o.ExchangeOrderID == "" && tr.ExchangeOrderID != "" {
		o.ExchangeOrderID = tr.ExchangeOrderID
	}
	if !tr.At.IsZero() {
		o.UpdatedAt = tr.At
	}
	return o, Applied
}
