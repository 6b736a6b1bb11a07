package order

import (
	"strings"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// Price selection modes.
const (
	PriceModeClose     = 0 // current close
	PriceModePrevClose = 1 // previous close, falling back to close
	PriceModePrevOpen  = 2 // previous open, falling back to close
	PriceModeDiscount  = 3 // previous close shifted by the strategy discount
)

// Instruction is a validated request to open or add to a position.
type Instruction struct {
	Symbol     string           `json:"symbol"`
	Side       common.Side      `json:"side"`
	Quantity   float64          `json:"quantity"`
	PriceMode  *int             `json:"opposite,omitempty"`
	StrategyID string           `json:"strategy_name"`
	SignalType string           `json:"signal_type,omitempty"`
	ATR        float64          `json:"ATR,omitempty"`
	Open       float64          `json:"open,omitempty"`
	Close      float64          `json:"close,omitempty"`
	PrevOpen   float64          `json:"prev_open,omitempty"`
	PrevClose  float64          `json:"prev_close,omitempty"`
	OrderType  common.OrderType `json:"order_type,omitempty"`
	MarginType string           `json:"margin_type,omitempty"`
}

// DefaultStrategyID is used when an instruction names no strategy.
const DefaultStrategyID = "TV_STRAT"

// Normalize upper-cases enums and fills defaults.
func (in *Instruction) Normalize() {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	in.Side = common.Side(strings.ToUpper(string(in.Side)))
	in.OrderType = common.OrderType(strings.ToUpper(string(in.OrderType)))
	in.MarginType = strings.ToUpper(in.MarginType)
	in.StrategyID = strings.TrimSpace(in.StrategyID)
	if in.StrategyID == "" {
		in.StrategyID = DefaultStrategyID
	}
	if in.OrderType == "" {
		in.OrderType = common.OrderTypeLimit
	}
}

// Validate rejects malformed instructions. Candle fields are optional as a
// group: when close is missing the dispatcher fetches candles itself.
func (in Instruction) Validate() error {
	const op = "order.Validate"
	switch {
	case in.Symbol == "":
		return errs.Validation(op, "symbol is required")
	case !in.Side.Valid():
		return errs.Validation(op, "side must be BUY or SELL, got %q", in.Side)
	case in.Quantity <= 0:
		return errs.Validation(op, "quantity must be positive")
	case in.PriceMode != nil && (*in.PriceMode < PriceModeClose || *in.PriceMode > PriceModeDiscount):
		return errs.Validation(op, "price mode must be 0-3, got %d", *in.PriceMode)
	case in.OrderType != common.OrderTypeLimit && in.OrderType != common.OrderTypeMarket:
		return errs.Validation(op, "order_type must be LIMIT or MARKET, got %q", in.OrderType)
	case in.MarginType != "" && in.MarginType != "ISOLATED" && in.MarginType != "CROSSED":
		return errs.Validation(op, "margin_type must be ISOLATED or CROSSED, got %q", in.MarginType)
	case in.ATR < 0 || in.Open < 0 || in.Close < 0 || in.PrevOpen < 0 || in.PrevClose < 0:
		return errs.Validation(op, "prices must not be negative")
	case in.Open > 0 && in.Close == 0:
		return errs.Validation(op, "close is required when open is given")
	}
	return nil
}

// HasCandles reports whether the instruction carries its own prices.
func (in Instruction) HasCandles() bool { return in.Close > 0 }
