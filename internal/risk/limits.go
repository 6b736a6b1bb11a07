package risk

import (
	"fmt"

	"futures-engine/pkg/errs"
)

// Limits caps exposure before an entry is sent. Zero disables a limit.
type Limits struct {
	MaxPositions        int     // distinct open (symbol, side) positions
	MaxPositionNotional float64 // quote-currency notional of one position after the entry
}

// CheckRequest is what Limits needs to know about an entry.
type CheckRequest struct {
	Symbol        string
	Qty           float64
	Price         float64
	OpenPositions int     // positions open across all symbols
	NewPosition   bool    // false for add-position
	CurrentQty    float64 // existing quantity on the same side
	CurrentAvg    float64
}

// Check returns a rejection error naming the first limit the entry breaks.
func (l Limits) Check(r CheckRequest) error {
	const op = "risk.Check"
	if l.MaxPositions > 0 && r.NewPosition && r.OpenPositions >= l.MaxPositions {
		return errs.Rejection(op, 0, fmt.Sprintf("max_positions: %d positions already open", r.OpenPositions))
	}
	if l.MaxPositionNotional > 0 {
		notional := r.CurrentQty*r.CurrentAvg + r.Qty*r.Price
		if notional > l.MaxPositionNotional {
			return errs.Rejection(op, 0,
				fmt.Sprintf("max_position_notional: %s notional %.2f exceeds %.2f", r.Symbol, notional, l.MaxPositionNotional))
		}
	}
	return nil
}
