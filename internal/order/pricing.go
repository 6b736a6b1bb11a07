package order

import (
	"context"

	"github.com/shopspring/decimal"

	"futures-engine/internal/risk"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// Candles are the two bars an entry price is chosen from.
type Candles struct {
	Open, Close         float64
	PrevOpen, PrevClose float64
}

// CandlesFrom takes the instruction's own prices.
func CandlesFrom(in Instruction) Candles {
	return Candles{Open: in.Open, Close: in.Close, PrevOpen: in.PrevOpen, PrevClose: in.PrevClose}
}

// FetchCandles loads the last two bars of interval from src. The newest bar
// is treated as current.
func FetchCandles(ctx context.Context, src common.KlineSource, symbol, interval string) (Candles, error) {
	const op = "order.FetchCandles"
	bars, err := src.Klines(ctx, symbol, interval, 2)
	if err != nil {
		return Candles{}, err
	}
	if len(bars) == 0 {
		return Candles{}, errs.Validation(op, "no %s candles for %s", interval, symbol)
	}
	cur := bars[len(bars)-1]
	c := Candles{Open: cur.Open, Close: cur.Close}
	if len(bars) > 1 {
		prev := bars[len(bars)-2]
		c.PrevOpen, c.PrevClose = prev.Open, prev.Close
	}
	return c, nil
}

// EntryPrice picks the limit price for mode and rounds it to the symbol's
// precision. discountPct applies to PriceModeDiscount only: a BUY is priced
// below the previous close, a SELL above it.
func EntryPrice(symbol string, side common.Side, mode int, c Candles, discountPct float64) (float64, error) {
	const op = "order.EntryPrice"
	if c.Close <= 0 {
		return 0, errs.Validation(op, "close price must be positive")
	}

	var price decimal.Decimal
	switch mode {
	case PriceModePrevClose:
		price = decimal.NewFromFloat(orElse(c.PrevClose, c.Close))
	case PriceModePrevOpen:
		price = decimal.NewFromFloat(orElse(c.PrevOpen, c.Close))
	case PriceModeDiscount:
		base := decimal.NewFromFloat(orElse(c.PrevClose, c.Close))
		shift := base.Mul(decimal.NewFromFloat(discountPct))
		if side == common.SideBuy {
			price = base.Sub(shift)
		} else {
			price = base.Add(shift)
		}
	default:
		price = decimal.NewFromFloat(c.Close)
	}
	return price.Round(risk.Precision(symbol)).InexactFloat64(), nil
}

func orElse(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
