package reconciliation

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/internal/order"
	"futures-engine/internal/persistence"
	"futures-engine/internal/risk"
	"futures-engine/internal/stream"
	"futures-engine/pkg/db"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
	"futures-engine/pkg/exchanges/paper"
)

type countingRequester struct{ n atomic.Int32 }

func (c *countingRequester) Request() { c.n.Add(1) }

type fixture struct {
	db      *db.Database
	l       *ledger.Ledger
	ex      *paper.Exchange
	q       *stream.Queue
	w       *Worker
	d       *order.Dispatcher
	resync  *countingRequester
	metrics *monitor.SystemMetrics
	journal *persistence.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	bw := persistence.NewBatchWriter(database, 100, time.Hour)
	t.Cleanup(func() { bw.Close() })

	f := &fixture{
		db:      database,
		l:       ledger.New(database, events.NewBus()),
		ex:      paper.New(paper.Config{}),
		q:       stream.NewQueue(64),
		resync:  &countingRequester{},
		metrics: monitor.NewSystemMetrics(),
		journal: persistence.NewJournal(bw),
	}
	f.w = NewWorker(Deps{
		Ledger:     f.l,
		Gateway:    f.ex,
		Queue:      f.q,
		Resync:     f.resync,
		Owns:       func(id string) bool { return strings.HasPrefix(id, "FE-") },
		Protection: risk.DefaultParams(),
		Journal:    f.journal,
		Metrics:    f.metrics,
	})
	f.d = order.NewDispatcher(order.Deps{
		Ledger:  f.l,
		Gateway: f.ex,
		Forward: f.q.Push,
		IDs:     order.NewIDGenerator("FE"),
		Metrics: f.metrics,
	}, order.Config{Leverage: 20, MarginType: "ISOLATED"})
	return f
}

// start runs the paper event feed and the worker until the test ends.
func (f *fixture) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.ex.Run(ctx, f.q.Push)
	go func() { _ = f.w.Run(ctx) }()
}

func (f *fixture) waitStatus(t *testing.T, id string, want common.OrderStatus) ledger.Order {
	t.Helper()
	require.Eventually(t, func() bool {
		o, ok := f.l.Order(id)
		return ok && o.Status == want
	}, 3*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
	o, _ := f.l.Order(id)
	return o
}

func (f *fixture) dispatch(t *testing.T, close float64) string {
	t.Helper()
	res, err := f.d.Dispatch(context.Background(), order.Instruction{
		Symbol:     "BTCUSDT",
		Side:       common.SideBuy,
		Quantity:   1,
		StrategyID: "pullback",
		Close:      close,
	})
	require.NoError(t, err)
	require.Equal(t, order.OutcomePlaced, res.Outcome)
	return res.ClientOrderID
}

var btcLong = ledger.PositionKey{Symbol: "BTCUSDT", Side: common.SideBuy}

func TestEntryFillProtectsAndTakeProfitClosesPosition(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	id := f.dispatch(t, 100)
	f.waitStatus(t, id, common.StatusNew)
	require.NoError(t, f.ex.Fill(common.OrderRef{ClientOrderID: id}, 1, 100))

	f.waitStatus(t, id, common.StatusFilled)
	tp := f.waitStatus(t, order.TakeProfitID(id), common.StatusNew)
	sl := f.waitStatus(t, order.StopLossID(id), common.StatusNew)

	p, ok := f.l.Position(btcLong)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Quantity)
	assert.Equal(t, 100.0, p.AvgEntryPrice)
	assert.ElementsMatch(t, []string{tp.ClientOrderID, sl.ClientOrderID}, p.OpenOrderIDs)

	assert.Equal(t, ledger.RoleTakeProfit, tp.Role)
	assert.Equal(t, common.SideSell, tp.Side)
	assert.Equal(t, 105.0, tp.Price)
	assert.Equal(t, sl.ClientOrderID, tp.LinkedOrderID)
	assert.Equal(t, ledger.RoleStopLoss, sl.Role)
	assert.Equal(t, common.OrderTypeStopMarket, sl.Type)
	assert.Equal(t, 98.0, sl.StopPrice)
	assert.Equal(t, tp.ClientOrderID, sl.LinkedOrderID)
	assert.Equal(t, id, sl.ParentOrderID)
	assert.Len(t, f.l.Orders(ledger.Filter{Role: ledger.RoleTakeProfit}), 1)
	assert.Len(t, f.l.Orders(ledger.Filter{Role: ledger.RoleStopLoss}), 1)

	f.ex.SetMark("BTCUSDT", 106)
	f.waitStatus(t, tp.ClientOrderID, common.StatusFilled)
	f.waitStatus(t, sl.ClientOrderID, common.StatusCanceled)
	_, ok = f.l.Position(btcLong)
	assert.False(t, ok)

	onExchange, err := f.ex.QueryOrder(context.Background(), "BTCUSDT", common.OrderRef{ClientOrderID: sl.ClientOrderID})
	require.NoError(t, err)
	assert.Equal(t, common.StatusCanceled, onExchange.Status)
	assert.Equal(t, uint64(2), f.metrics.Count(monitor.ProtectiveOrdersPlaced))
}

// ackLagging holds the placement answer back until the worker has already
// seen the fill, then returns a stale NEW ack.
type ackLagging struct {
	*paper.Exchange
	l *ledger.Ledger
}

func (a ackLagging) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	res, err := a.Exchange.PlaceOrder(ctx, req)
	if err != nil || req.ReduceOnly {
		return res, err
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o, ok := a.l.Order(req.ClientID); ok && o.Status == common.StatusFilled {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	res.Status = common.StatusNew
	res.ExecutedQty = 0
	return res, nil
}

func TestFillBeforeAckIsNotRegressed(t *testing.T) {
	f := newFixture(t)
	gw := ackLagging{Exchange: f.ex, l: f.l}
	f.d = order.NewDispatcher(order.Deps{
		Ledger:  f.l,
		Gateway: gw,
		Forward: f.q.Push,
		IDs:     order.NewIDGenerator("FE"),
	}, order.Config{})
	f.start(t)

	// A mark below the limit fills the order the moment it is accepted.
	f.ex.SetMark("BTCUSDT", 99)
	id := f.dispatch(t, 100)

	o := f.waitStatus(t, id, common.StatusFilled)
	assert.Equal(t, 1.0, o.ExecutedQty)
	assert.NotEmpty(t, o.ExchangeOrderID)
	p, ok := f.l.Position(btcLong)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Quantity)
}

func TestAddPositionAveragesAndReplacesProtection(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	first := f.dispatch(t, 100)
	f.waitStatus(t, first, common.StatusNew)
	require.NoError(t, f.ex.Fill(common.OrderRef{ClientOrderID: first}, 1, 100))
	f.waitStatus(t, order.StopLossID(first), common.StatusNew)

	second := f.dispatch(t, 110)
	added := f.waitStatus(t, second, common.StatusNew)
	assert.True(t, added.AddPosition)
	require.NoError(t, f.ex.Fill(common.OrderRef{ClientOrderID: second}, 1, 110))

	f.waitStatus(t, order.TakeProfitID(first), common.StatusCanceled)
	f.waitStatus(t, order.StopLossID(first), common.StatusCanceled)
	tp := f.waitStatus(t, order.TakeProfitID(second), common.StatusNew)
	sl := f.waitStatus(t, order.StopLossID(second), common.StatusNew)

	p, ok := f.l.Position(btcLong)
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Quantity)
	assert.Equal(t, 105.0, p.AvgEntryPrice)
	assert.Equal(t, 2.0, tp.Quantity)
	assert.Equal(t, 110.3, tp.Price)
	assert.Equal(t, 102.9, sl.StopPrice)
	require.Eventually(t, func() bool {
		p, _ := f.l.Position(btcLong)
		return len(p.OpenOrderIDs) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

// recordEntry puts a working entry on both the paper exchange and the ledger
// without running the dispatcher.
func recordEntry(t *testing.T, f *fixture, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.l.Insert(ctx, ledger.Order{
		ClientOrderID: id,
		StrategyID:    "pullback",
		Symbol:        "BTCUSDT",
		Side:          common.SideBuy,
		PositionSide:  common.SideBuy,
		Role:          ledger.RoleEntry,
		Type:          common.OrderTypeLimit,
		Quantity:      1,
		Price:         100,
	})
	require.NoError(t, err)
	_, err = f.ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 100, ClientID: id})
	require.NoError(t, err)
}

func TestReplayedEventLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recordEntry(t, f, "FE-a")
	require.NoError(t, f.ex.Fill(common.OrderRef{ClientOrderID: "FE-a"}, 1, 100))

	acked := common.OrderEvent{ClientOrderID: "FE-a", Symbol: "BTCUSDT", Status: common.StatusNew, Source: common.SourceStream}
	require.NoError(t, f.w.Handle(ctx, acked))
	require.NoError(t, f.w.Handle(ctx, acked))

	filled := common.OrderEvent{ClientOrderID: "FE-a", Symbol: "BTCUSDT", Status: common.StatusFilled, ExecutedQty: 1, AvgPrice: 100, Source: common.SourceStream}
	require.NoError(t, f.w.Handle(ctx, filled))
	orders := f.l.Orders(ledger.Filter{})
	pos := f.l.Positions()
	require.Len(t, orders, 3)

	filled.Source = common.SourceResync
	require.NoError(t, f.w.Handle(ctx, filled))

	assert.Equal(t, orders, f.l.Orders(ledger.Filter{}))
	assert.Equal(t, pos, f.l.Positions())
	assert.Equal(t, uint64(2), f.metrics.Count(monitor.EventsApplied))
	assert.Equal(t, uint64(2), f.metrics.Count(monitor.EventsDiscarded))

	require.NoError(t, f.journal.Flush())
	rows, err := f.db.ListOrderEvents(ctx, "FE-a")
	require.NoError(t, err)
	var outcomes []string
	for _, r := range rows {
		outcomes = append(outcomes, r.Outcome)
	}
	assert.Equal(t, []string{"applied", "duplicate", "applied", "immutable"}, outcomes)
}

func TestPartialFillsThenCancelProtectExecutedQty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recordEntry(t, f, "FE-p")
	require.NoError(t, f.ex.Fill(common.OrderRef{ClientOrderID: "FE-p"}, 0.4, 100))

	cases := []struct {
		name   string
		ev     common.OrderEvent
		wantQt float64
	}{
		{"first partial", common.OrderEvent{Status: common.StatusPartiallyFilled, ExecutedQty: 0.3, AvgPrice: 100}, 0.3},
		{"second partial", common.OrderEvent{Status: common.StatusPartiallyFilled, ExecutedQty: 0.4, AvgPrice: 100}, 0.4},
		{"older partial arrives late", common.OrderEvent{Status: common.StatusPartiallyFilled, ExecutedQty: 0.3, AvgPrice: 100}, 0.4},
		{"rest canceled", common.OrderEvent{Status: common.StatusCanceled, ExecutedQty: 0.4, AvgPrice: 100}, 0.4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.ev.ClientOrderID = "FE-p"
			tc.ev.Source = common.SourceStream
			require.NoError(t, f.w.Handle(ctx, tc.ev))
			p, ok := f.l.Position(btcLong)
			require.True(t, ok)
			assert.InDelta(t, tc.wantQt, p.Quantity, 1e-12)
		})
	}

	tp, ok := f.l.Order(order.TakeProfitID("FE-p"))
	require.True(t, ok)
	assert.InDelta(t, 0.4, tp.Quantity, 1e-12)
	assert.Equal(t, common.StatusNew, tp.Status)
}

func TestCanceledEntryWithoutFillsGetsNoProtection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recordEntry(t, f, "FE-c")

	require.NoError(t, f.w.Handle(ctx, common.OrderEvent{ClientOrderID: "FE-c", Status: common.StatusCanceled, Source: common.SourceSweeper}))
	o, _ := f.l.Order("FE-c")
	assert.Equal(t, common.StatusCanceled, o.Status)
	_, ok := f.l.Order(order.TakeProfitID("FE-c"))
	assert.False(t, ok)
	assert.Empty(t, f.l.Positions())
}

func TestUnknownEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.w.Handle(ctx, common.OrderEvent{ClientOrderID: "web_123", Status: common.StatusFilled, ExecutedQty: 1}))
	assert.Equal(t, uint64(1), f.metrics.Count(monitor.EventsForeign))
	assert.Zero(t, f.resync.n.Load())

	require.NoError(t, f.w.Handle(ctx, common.OrderEvent{ClientOrderID: "FE-lost", Status: common.StatusCanceled}))
	assert.Zero(t, f.resync.n.Load())

	for _, st := range []common.OrderStatus{common.StatusExpired, common.StatusRejected} {
		require.NoError(t, f.w.Handle(ctx, common.OrderEvent{ClientOrderID: "FE-lost", Status: st}))
	}
	assert.Zero(t, f.resync.n.Load())

	cases := []struct {
		name   string
		status common.OrderStatus
		qty    float64
	}{
		{"filled", common.StatusFilled, 1},
		{"partially filled", common.StatusPartiallyFilled, 0.4},
		{"new", common.StatusNew, 0},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.w.Handle(ctx, common.OrderEvent{ClientOrderID: "FE-lost", Status: tc.status, ExecutedQty: tc.qty})
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindInconsistency))
			assert.Equal(t, int32(i+1), f.resync.n.Load())
		})
	}
	assert.Empty(t, f.l.Positions())
}

func TestExitLargerThanPositionRequestsResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.l.Insert(ctx, ledger.Order{
		ClientOrderID: "FE-xT",
		Symbol:        "BTCUSDT",
		Side:          common.SideSell,
		PositionSide:  common.SideBuy,
		Role:          ledger.RoleTakeProfit,
		Type:          common.OrderTypeLimit,
		Quantity:      1,
		Price:         105,
	})
	require.NoError(t, err)

	err = f.w.Handle(ctx, common.OrderEvent{ClientOrderID: "FE-xT", Status: common.StatusFilled, ExecutedQty: 1, AvgPrice: 105})
	require.Error(t, err)
	assert.Equal(t, int32(1), f.resync.n.Load())
	assert.Empty(t, f.l.Positions())
	o, _ := f.l.Order("FE-xT")
	assert.Equal(t, common.StatusFilled, o.Status)
}

func TestPositionSnapshotOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := func(qty float64) common.OrderEvent {
		return common.OrderEvent{Source: common.SourceAudit, Position: &common.PositionSnapshot{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: qty, EntryPrice: 101}}
	}
	require.NoError(t, f.w.Handle(ctx, snap(2)))
	p, ok := f.l.Position(btcLong)
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Quantity)
	assert.Equal(t, 101.0, p.AvgEntryPrice)

	require.NoError(t, f.w.Handle(ctx, snap(0)))
	_, ok = f.l.Position(btcLong)
	assert.False(t, ok)
}

func TestRunSurvivesPanics(t *testing.T) {
	f := newFixture(t)
	f.w.Ledger = nil // every ledger call now panics
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	require.NoError(t, f.q.Push(ctx, common.OrderEvent{ClientOrderID: "FE-a", Status: common.StatusNew}))
	require.NoError(t, f.q.Push(ctx, common.OrderEvent{ClientOrderID: "FE-b", Status: common.StatusNew}))
	require.Eventually(t, func() bool { return f.metrics.Count(monitor.EventErrors) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFillPrice(t *testing.T) {
	cases := []struct {
		name          string
		before, after ledger.Order
		last          float64
		want          float64
	}{
		{"first fill uses average", ledger.Order{}, ledger.Order{ExecutedQty: 1, AvgFillPrice: 100}, 0, 100},
		{"later fill from notional delta", ledger.Order{ExecutedQty: 1, AvgFillPrice: 100}, ledger.Order{ExecutedQty: 2, AvgFillPrice: 105}, 0, 110},
		{"unknown previous average falls back to last", ledger.Order{ExecutedQty: 1}, ledger.Order{ExecutedQty: 2, AvgFillPrice: 105}, 111, 111},
		{"no prices falls back to limit", ledger.Order{}, ledger.Order{ExecutedQty: 1, Price: 99}, 0, 99},
		{"stop order", ledger.Order{}, ledger.Order{ExecutedQty: 1, StopPrice: 98}, 0, 98},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fillPrice(tc.before, tc.after, common.OrderEvent{LastFillPrice: tc.last})
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}
