package order

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"futures-engine/pkg/exchanges/common"
)

// MaxClientIDLen is the exchange limit on client order ids.
const MaxClientIDLen = 36

// maxEntryIDLen leaves room for the protective-order suffix.
const maxEntryIDLen = MaxClientIDLen - 1

// Protective order suffixes appended to the entry id.
const (
	TakeProfitSuffix = "T"
	StopLossSuffix   = "S"
)

// IDGenerator builds client order ids of the form
// PREFIX-str-SYMBOL-B<seq>-<base36 ms>. The per-symbol sequence and the
// timestamp keep ids unique under rapid repeated signals.
type IDGenerator struct {
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	seq map[string]uint64
}

// NewIDGenerator returns a generator whose ids start with prefix.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix, now: time.Now, seq: make(map[string]uint64)}
}

// Next returns a fresh entry id.
func (g *IDGenerator) Next(strategyID, symbol string, side common.Side) string {
	g.mu.Lock()
	g.seq[symbol]++
	n := g.seq[symbol]
	g.mu.Unlock()

	strat := sanitize(strategyID)
	if len(strat) > 3 {
		strat = strat[:3]
	}
	if strat == "" {
		strat = "x"
	}
	sideChar := "B"
	if side == common.SideSell {
		sideChar = "S"
	}
	tail := sideChar + strconv.FormatUint(n, 10) + "-" + strconv.FormatInt(g.now().UnixMilli(), 36)

	sym := sanitize(symbol)
	fixed := len(g.prefix) + 1 + len(strat) + 1 + 1 + len(tail)
	if room := maxEntryIDLen - fixed; len(sym) > room {
		if room < 1 {
			room = 1
		}
		sym = sym[:room]
	}
	return strings.Join([]string{g.prefix, strat, sym, tail}, "-")
}

// Owns reports whether id was generated with this prefix.
func (g *IDGenerator) Owns(id string) bool {
	return strings.HasPrefix(id, g.prefix+"-")
}

// TakeProfitID derives the take-profit id from its entry id.
func TakeProfitID(entryID string) string { return entryID + TakeProfitSuffix }

// StopLossID derives the stop-loss id from its entry id.
func StopLossID(entryID string) string { return entryID + StopLossSuffix }

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}
