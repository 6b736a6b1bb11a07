package order

import (
	"fmt"
	"time"
)

// BlockWindow is a daily wall-clock interval during which signals are
// ignored. Bounds are inclusive at minute precision and may wrap midnight.
type BlockWindow struct {
	start, end int // minutes since midnight
	loc        *time.Location
}

// ParseBlockWindow parses "HH:MM-HH:MM" in the named zone. An empty string
// returns nil, which never blocks.
func ParseBlockWindow(raw, zone string) (*BlockWindow, error) {
	if raw == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}
	var sh, sm, eh, em int
	if _, err := fmt.Sscanf(raw, "%d:%d-%d:%d", &sh, &sm, &eh, &em); err != nil {
		return nil, fmt.Errorf("trading block %q: want HH:MM-HH:MM", raw)
	}
	for _, v := range []int{sh, eh} {
		if v < 0 || v > 23 {
			return nil, fmt.Errorf("trading block %q: hour out of range", raw)
		}
	}
	for _, v := range []int{sm, em} {
		if v < 0 || v > 59 {
			return nil, fmt.Errorf("trading block %q: minute out of range", raw)
		}
	}
	return &BlockWindow{start: sh*60 + sm, end: eh*60 + em, loc: loc}, nil
}

// Contains reports whether t falls inside the window.
func (w *BlockWindow) Contains(t time.Time) bool {
	if w == nil {
		return false
	}
	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()
	if w.start <= w.end {
		return m >= w.start && m <= w.end
	}
	return m >= w.start || m <= w.end
}

func (w *BlockWindow) String() string {
	if w == nil {
		return "none"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", w.start/60, w.start%60, w.end/60, w.end%60, w.loc)
}
