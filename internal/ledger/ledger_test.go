package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-engine/internal/events"
	"futures-engine/pkg/db"
	"futures-engine/pkg/exchanges/common"
)

func newTestLedger(t *testing.T) (*Ledger, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return New(database, events.NewBus()), database
}

func entry(id string) Order {
	return Order{
		ClientOrderID: id,
		StrategyID:    "pullback",
		Symbol:        "BTCUSDT",
		Side:          common.SideBuy,
		PositionSide:  common.SideBuy,
		Role:          RoleEntry,
		Type:          common.OrderTypeLimit,
		Quantity:      1,
		Price:         100,
	}
}

func TestAdvance(t *testing.T) {
	base := entry("a")
	base.Status = common.StatusNew

	cases := []struct {
		name    string
		from    common.OrderStatus
		fromQty float64
		tr      Transition
		want    Outcome
	}{
		{"new to filled", common.StatusNew, 0, Transition{Status: common.StatusFilled, ExecutedQty: 1}, Applied},
		{"pending acked", common.StatusPending, 0, Transition{Status: common.StatusNew}, Applied},
		{"new repeated", common.StatusNew, 0, Transition{Status: common.StatusNew}, Duplicate},
		{"partial grows", common.StatusPartiallyFilled, 0.3, Transition{Status: common.StatusPartiallyFilled, ExecutedQty: 0.6}, Applied},
		{"partial shrinks", common.StatusPartiallyFilled, 0.6, Transition{Status: common.StatusPartiallyFilled, ExecutedQty: 0.3}, Stale},
		{"new after partial", common.StatusPartiallyFilled, 0.3, Transition{Status: common.StatusNew, ExecutedQty: 0.3}, Stale},
		{"terminal is final", common.StatusFilled, 1, Transition{Status: common.StatusCanceled, ExecutedQty: 1}, Immutable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			o.Status = tc.from
			o.ExecutedQty = tc.fromQty
			got, outcome := Advance(o, tc.tr)
			assert.Equal(t, tc.want, outcome)
			if outcome == Applied {
				assert.Equal(t, tc.tr.Status, got.Status)
				assert.Equal(t, tc.tr.ExecutedQty, got.ExecutedQty)
			} else {
				assert.Equal(t, o, got)
			}
		})
	}
}

func TestPositionMath(t *testing.T) {
	p := Position{Symbol: "BTCUSDT", Side: common.SideBuy}
	p = p.Merge(1, 100)
	p = p.Merge(1, 110)
	assert.InDelta(t, 2, p.Quantity, 1e-12)
	assert.InDelta(t, 105, p.AvgEntryPrice, 1e-12)

	p = p.Reduce(0.5)
	assert.InDelta(t, 1.5, p.Quantity, 1e-12)
	assert.InDelta(t, 105, p.AvgEntryPrice, 1e-12)

	p = p.Reduce(5)
	assert.True(t, p.IsFlat())
	assert.Zero(t, p.Quantity)

	p = p.WithOpenOrder("xT").WithOpenOrder("xS").WithOpenOrder("xT")
	assert.Equal(t, []string{"xT", "xS"}, p.OpenOrderIDs)
	assert.Equal(t, []string{"xS"}, p.WithoutOpenOrder("xT").OpenOrderIDs)
	assert.Equal(t, []string{"xT", "xS"}, p.OpenOrderIDs)
}

func TestInsertRejectsDuplicate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	o, err := l.Insert(ctx, entry("a"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusPending, o.Status)
	assert.False(t, o.CreatedAt.IsZero())

	_, err = l.Insert(ctx, entry("a"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestAckNeverRegresses(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Insert(ctx, entry("a"))
	require.NoError(t, err)

	// A stream event fills the order before the placement call returns.
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		o, _ := tx.Order("a")
		o, outcome := Advance(o, Transition{Status: common.StatusFilled, ExecutedQty: 1, AvgPrice: 99, ExchangeOrderID: "77", At: tx.Now()})
		require.Equal(t, Applied, outcome)
		o.LastEventSeq = tx.NextSeq()
		tx.PutOrder(o)
		return nil
	}))

	o, err := l.ApplyAck(ctx, "a", common.OrderResult{ExchangeOrderID: "77", Status: common.StatusNew})
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, o.Status)
	assert.Equal(t, "77", o.ExchangeOrderID)

	byExch, ok := l.Resolve(common.OrderRef{ExchangeOrderID: "77"})
	require.True(t, ok)
	assert.Equal(t, "a", byExch.ClientOrderID)

	_, err = l.MarkRejected(ctx, "a", "late")
	assert.ErrorIs(t, err, ErrTerminal)
	o, _ = l.Order("a")
	assert.Equal(t, common.StatusFilled, o.Status)
}

func TestLateAckLeavesTerminalOrderUntouched(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Insert(ctx, entry("a"))
	require.NoError(t, err)

	// Resync gave up on the order before the placement call returned.
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		o, _ := tx.Order("a")
		o, outcome := Advance(o, Transition{Status: common.StatusExpired, At: tx.Now()})
		require.Equal(t, Applied, outcome)
		o.LastEventSeq = tx.NextSeq()
		tx.PutOrder(o)
		return nil
	}))
	before, _ := l.Order("a")

	o, err := l.ApplyAck(ctx, "a", common.OrderResult{ExchangeOrderID: "88", Status: common.StatusNew})
	require.NoError(t, err)
	assert.Equal(t, before, o)
	stored, _ := l.Order("a")
	assert.Equal(t, before, stored)
	assert.Empty(t, stored.ExchangeOrderID)
	_, ok := l.Resolve(common.OrderRef{ExchangeOrderID: "88"})
	assert.False(t, ok)
}

func TestAckStopsAtNew(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Insert(ctx, entry("a"))
	require.NoError(t, err)

	o, err := l.ApplyAck(ctx, "a", common.OrderResult{ExchangeOrderID: "5", Status: common.StatusFilled, ExecutedQty: 1, AvgPrice: 100})
	require.NoError(t, err)
	assert.Equal(t, common.StatusNew, o.Status)
	assert.Zero(t, o.ExecutedQty)
	assert.Equal(t, "5", o.ExchangeOrderID)

	_, err = l.ApplyAck(ctx, "missing", common.OrderResult{Status: common.StatusNew})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMarkRejectedPending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Insert(ctx, entry("a"))
	require.NoError(t, err)

	o, err := l.MarkRejected(ctx, "a", "Margin is insufficient.")
	require.NoError(t, err)
	assert.Equal(t, common.StatusRejected, o.Status)
	assert.Equal(t, "Margin is insufficient.", o.RejectReason)

	_, err = l.MarkRejected(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestUpdateIsAtomicAndPersisted(t *testing.T) {
	l, database := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Insert(ctx, entry("a"))
	require.NoError(t, err)

	key := PositionKey{Symbol: "BTCUSDT", Side: common.SideBuy}
	err = l.Update(ctx, func(tx *Tx) error {
		o, _ := tx.Order("a")
		o.Status = common.StatusFilled
		tx.PutOrder(o)
		tx.PutPosition(Position{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, AvgEntryPrice: 100})
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	o, _ := l.Order("a")
	assert.Equal(t, common.StatusPending, o.Status)
	_, ok := l.Position(key)
	assert.False(t, ok)

	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		tx.PutPosition(Position{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, AvgEntryPrice: 100, OpenOrderIDs: []string{"aT"}})
		p, ok := tx.Position(key)
		require.True(t, ok)
		assert.Equal(t, 1.0, p.Quantity)
		return nil
	}))

	reloaded := New(database, nil)
	require.NoError(t, reloaded.Load(ctx))
	p, ok := reloaded.Position(key)
	require.True(t, ok)
	assert.Equal(t, []string{"aT"}, p.OpenOrderIDs)
	_, ok = reloaded.Order("a")
	assert.True(t, ok)

	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		p, _ := tx.Position(key)
		tx.PutPosition(p.Reduce(1))
		return nil
	}))
	_, ok = l.Position(key)
	assert.False(t, ok)
	rows, err := database.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestActiveEntryAndFilters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.now = func() time.Time { return time.UnixMilli(1000) }
	_, err := l.Insert(ctx, entry("a"))
	require.NoError(t, err)
	l.now = func() time.Time { return time.UnixMilli(2000) }
	tp := entry("aT")
	tp.Role = RoleTakeProfit
	tp.Side = common.SideSell
	_, err = l.Insert(ctx, tp)
	require.NoError(t, err)

	got, ok := l.ActiveEntry(PositionKey{Symbol: "BTCUSDT", Side: common.SideBuy})
	require.True(t, ok)
	assert.Equal(t, "a", got.ClientOrderID)
	_, ok = l.ActiveEntry(PositionKey{Symbol: "BTCUSDT", Side: common.SideSell})
	assert.False(t, ok)

	assert.Len(t, l.ActiveOrders(), 2)
	assert.Len(t, l.Orders(Filter{Role: RoleTakeProfit}), 1)
	assert.Equal(t, "a", l.Orders(Filter{})[0].ClientOrderID)
}

func TestUpdatePublishesAfterCommit(t *testing.T) {
	l, _ := newTestLedger(t)
	ch, unsub := l.bus.Subscribe(4, events.EventOrderUpdated)
	defer unsub()

	_, err := l.Insert(context.Background(), entry("a"))
	require.NoError(t, err)

	msg := <-ch
	o, ok := msg.Payload.(Order)
	require.True(t, ok)
	assert.Equal(t, "a", o.ClientOrderID)
}

func TestDiffPositions(t *testing.T) {
	local := []Position{
		{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, AvgEntryPrice: 100},
		{Symbol: "ETHUSDT", Side: common.SideSell, Quantity: 2, AvgEntryPrice: 10},
	}
	remote := []common.PositionSnapshot{
		{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 1.0000000001, EntryPrice: 100},
		{Symbol: "SOLUSDT", Side: common.SideBuy, Qty: 3, EntryPrice: 20},
	}
	diffs := DiffPositions(local, remote, 1e-8)
	require.Len(t, diffs, 2)
	assert.Equal(t, "ETHUSDT", diffs[0].Symbol)
	assert.Equal(t, -2.0, diffs[0].Delta)
	assert.Equal(t, "SOLUSDT", diffs[1].Symbol)
	assert.Equal(t, 3.0, diffs[1].ExchangeQty)
	assert.Equal(t, 20.0, diffs[1].ExchangeAvg)

	assert.Empty(t, DiffPositions(nil, nil, 1e-8))
}
