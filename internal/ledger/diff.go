package ledger

import (
	"math"
	"sort"

	"futures-engine/pkg/exchanges/common"
)

// PositionDiff is one (symbol, side) where the ledger and the exchange
// disagree on quantity.
type PositionDiff struct {
	Symbol      string      `json:"symbol"`
	Side        common.Side `json:"side"`
	LocalQty    float64     `json:"local_qty"`
	ExchangeQty float64     `json:"exchange_qty"`
	ExchangeAvg float64     `json:"exchange_avg"`
	Delta       float64     `json:"delta"`
}

// DiffPositions compares local positions with exchange snapshots.
// Quantities closer than tolerance are treated as equal.
func DiffPositions(local []Position, remote []common.PositionSnapshot, tolerance float64) []PositionDiff {
	type pair struct {
		local, remote float64
		avg           float64
	}
	merged := make(map[PositionKey]*pair)
	get := func(k PositionKey) *pair {
		p, ok := merged[k]
		if !ok {
			p = &pair{}
			merged[k] = p
		}
		return p
	}
	for _, p := range local {
		get(p.Key()).local += p.Quantity
	}
	for _, s := range remote {
		p := get(PositionKey{Symbol: s.Symbol, Side: s.Side})
		p.remote += s.Qty
		p.avg = s.EntryPrice
	}

	var diffs []PositionDiff
	for k, p := range merged {
		if math.Abs(p.local-p.remote) <= tolerance {
			continue
		}
		diffs = append(diffs, PositionDiff{
			Symbol:      k.Symbol,
			Side:        k.Side,
			LocalQty:    p.local,
			ExchangeQty: p.remote,
			ExchangeAvg: p.avg,
			Delta:       p.remote - p.local,
		})
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].Symbol != diffs[j].Symbol {
			return diffs[i].Symbol < diffs[j].Symbol
		}
		return diffs[i].Side < diffs[j].Side
	})
	return diffs
}
