package risk

import (
	"github.com/shopspring/decimal"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// DefaultPrecision applies to symbols missing from the precision table.
const DefaultPrecision int32 = 2

var symbolPrecision = map[string]int32{
	"BTCUSDT": 1,
	"ETHUSDT": 2,
	"SOLUSDT": 2,
	"BTCUSDC": 1,
	"ETHUSDC": 2,
	"SOLUSDC": 2,
	"WLDUSDC": 5,
	"BNBUSDC": 2,
}

// Precision returns the number of price decimals for symbol.
func Precision(symbol string) int32 {
	if p, ok := symbolPrecision[symbol]; ok {
		return p
	}
	return DefaultPrecision
}

// RoundPrice rounds price half away from zero to the symbol's precision.
func RoundPrice(symbol string, price float64) float64 {
	return decimal.NewFromFloat(price).Round(Precision(symbol)).InexactFloat64()
}

// Params are the percentages protective orders are priced with.
type Params struct {
	TPPercentage   float64 // TP offset when no ATR is known
	MinTPProfitPct float64 // floor on the TP offset
	StopLossPct    float64
	EnableStopLoss bool
}

// DefaultParams mirrors the production settings.
func DefaultParams() Params {
	return Params{
		TPPercentage:   0.05,
		MinTPProfitPct: 0.0045,
		StopLossPct:    0.02,
		EnableStopLoss: true,
	}
}

// Protection is a priced TP/SL pair for one position.
type Protection struct {
	Symbol     string
	ExitSide   common.Side
	Reference  float64
	TPOffset   float64
	TakeProfit float64
	StopLoss   float64 // zero when stop-loss is disabled
}

// HasStopLoss reports whether a stop-loss leg was priced.
func (p Protection) HasStopLoss() bool { return p.StopLoss > 0 }

// Price computes TP and SL for a position on positionSide whose cost basis is
// reference. The TP offset is atr*multiplier when an ATR is known and
// reference*TPPercentage otherwise, never less than reference*MinTPProfitPct.
func (p Params) Price(symbol string, positionSide common.Side, reference, atr, multiplier float64) (Protection, error) {
	const op = "risk.Price"
	if !positionSide.Valid() {
		return Protection{}, errs.Validation(op, "invalid side %q", positionSide)
	}
	if reference <= 0 {
		return Protection{}, errs.Validation(op, "reference price must be positive, got %v", reference)
	}

	ref := decimal.NewFromFloat(reference)
	var offset decimal.Decimal
	if atr > 0 && multiplier > 0 {
		offset = decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(multiplier))
	} else {
		offset = ref.Mul(decimal.NewFromFloat(p.TPPercentage))
	}
	if floor := ref.Mul(decimal.NewFromFloat(p.MinTPProfitPct)); offset.LessThan(floor) {
		offset = floor
	}
	slOffset := ref.Mul(decimal.NewFromFloat(p.StopLossPct))

	prec := Precision(symbol)
	out := Protection{
		Symbol:    symbol,
		ExitSide:  positionSide.Opposite(),
		Reference: reference,
		TPOffset:  offset.InexactFloat64(),
	}
	if positionSide == common.SideBuy {
		out.TakeProfit = ref.Add(offset).Round(prec).InexactFloat64()
		if p.EnableStopLoss {
			out.StopLoss = ref.Sub(slOffset).Round(prec).InexactFloat64()
		}
	} else {
		out.TakeProfit = ref.Sub(offset).Round(prec).InexactFloat64()
		if p.EnableStopLoss {
			out.StopLoss = ref.Add(slOffset).Round(prec).InexactFloat64()
		}
	}
	if out.TakeProfit <= 0 {
		return Protection{}, errs.Validation(op, "take-profit for %s %s at %v would be %v", symbol, positionSide, reference, out.TakeProfit)
	}
	if p.EnableStopLoss && out.StopLoss <= 0 {
		return Protection{}, errs.Validation(op, "stop-loss for %s %s at %v would be %v", symbol, positionSide, reference, out.StopLoss)
	}
	return out, nil
}
