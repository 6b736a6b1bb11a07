package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType denotes the futures order types the engine sends.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFGTD TimeInForce = "GTD" // Good Till Date, needs GoodTillDate
	TIFGTX TimeInForce = "GTX" // Post Only
)

// OrderStatus is the lifecycle status of an order. PENDING exists only
// locally, before the exchange has acknowledged the order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Rank places a status in the partial order
// {PENDING, NEW} < PARTIALLY_FILLED < {FILLED, CANCELED, EXPIRED, REJECTED}.
// Unknown statuses rank below everything so they never advance an order.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending, StatusNew:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return 3
	default:
		return 0
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool { return s.Rank() == 3 }

// IsActive reports whether the order can still fill.
func (s OrderStatus) IsActive() bool {
	return s == StatusPending || s == StatusNew || s == StatusPartiallyFilled
}

// OrderRef identifies an order by client id, exchange id, or both.
type OrderRef struct {
	ClientOrderID   string
	ExchangeOrderID string
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64 // LIMIT
	StopPrice    float64 // STOP_MARKET / TAKE_PROFIT_MARKET
	TimeInForce  TimeInForce
	GoodTillDate time.Time // GTD only
	ClientID     string
	ReduceOnly   bool
	PositionSide string // LONG/SHORT in hedge mode, empty for one-way
	WorkingType  string // MARK_PRICE or CONTRACT_PRICE
}

// OrderResult is the exchange ack for a placement.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     float64
	AvgPrice        float64
}

// CancelResult is the outcome of a cancel request. NotFound and
// AlreadyTerminal are ordinary outcomes, not errors.
type CancelResult int

const (
	CancelSuccess CancelResult = iota
	CancelNotFound
	CancelAlreadyTerminal
)

func (r CancelResult) String() string {
	switch r {
	case CancelSuccess:
		return "success"
	case CancelNotFound:
		return "not_found"
	case CancelAlreadyTerminal:
		return "already_terminal"
	default:
		return "unknown"
	}
}

// OrderSnapshot is the exchange's view of one order.
type OrderSnapshot struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           float64
	OrigQty         float64
	ExecutedQty     float64
	AvgPrice        float64
	UpdateTime      time.Time
}

// PositionSnapshot is the exchange's view of a position in one direction.
type PositionSnapshot struct {
	Symbol     string
	Side       Side // BUY for long, SELL for short
	Qty        float64
	EntryPrice float64
}

// Kline is one candle.
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}
