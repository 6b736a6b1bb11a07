package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// collect runs the exchange with a channel sink.
func collect(t *testing.T, ex *Exchange) <-chan common.OrderEvent {
	t.Helper()
	ch := make(chan common.OrderEvent, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ex.Run(ctx, func(ctx context.Context, ev common.OrderEvent) error {
		ch <- ev
		return nil
	})
	return ch
}

func next(t *testing.T, ch <-chan common.OrderEvent) common.OrderEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return common.OrderEvent{}
	}
}

func TestLimitLifecycle(t *testing.T) {
	ex := New(Config{})
	ch := collect(t, ex)
	ctx := context.Background()

	res, err := ex.PlaceOrder(ctx, common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 100, ClientID: "FE-a",
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusNew, res.Status)
	assert.NotEmpty(t, res.ExchangeOrderID)
	assert.Equal(t, common.StatusNew, next(t, ch).Status)

	_, err = ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 100, ClientID: "FE-a"})
	assert.True(t, errs.Is(err, errs.KindRejection))

	require.NoError(t, ex.Fill(common.OrderRef{ClientOrderID: "FE-a"}, 0.4, 100))
	ev := next(t, ch)
	assert.Equal(t, common.StatusPartiallyFilled, ev.Status)
	assert.Equal(t, 0.4, ev.ExecutedQty)

	ex.SetMark("BTCUSDT", 99)
	ev = next(t, ch)
	assert.Equal(t, common.StatusFilled, ev.Status)
	assert.InDelta(t, 1.0, ev.ExecutedQty, 1e-12)
	assert.Equal(t, 100.0, ev.AvgPrice)

	pos, err := ex.QueryPositions(ctx, "")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, common.PositionSnapshot{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 1, EntryPrice: 100}, pos[0])

	open, err := ex.QueryOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestProtectiveOrders(t *testing.T) {
	ex := New(Config{})
	ch := collect(t, ex)
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideSell, Type: common.OrderTypeLimit, Qty: 1, Price: 200, ClientID: "tp", ReduceOnly: true})
	assert.True(t, errs.Is(err, errs.KindRejection), "reduce-only without a position")

	ex.SetMark("ETHUSDT", 100)
	_, err = ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 2, ClientID: "e"})
	require.NoError(t, err)
	next(t, ch)
	assert.Equal(t, common.StatusFilled, next(t, ch).Status)

	_, err = ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideSell, Type: common.OrderTypeLimit, Qty: 2, Price: 110, ClientID: "eT", ReduceOnly: true})
	require.NoError(t, err)
	_, err = ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideSell, Type: common.OrderTypeStopMarket, Qty: 2, StopPrice: 95, ClientID: "eS", ReduceOnly: true})
	require.NoError(t, err)
	next(t, ch)
	next(t, ch)

	ex.SetMark("ETHUSDT", 94)
	ev := next(t, ch)
	assert.Equal(t, "eS", ev.ClientOrderID)
	assert.Equal(t, common.StatusFilled, ev.Status)

	pos, _ := ex.QueryPositions(ctx, "ETHUSDT")
	assert.Empty(t, pos)

	res, err := ex.CancelOrder(ctx, "ETHUSDT", common.OrderRef{ClientOrderID: "eT"})
	require.NoError(t, err)
	assert.Equal(t, common.CancelSuccess, res)
	assert.Equal(t, common.StatusCanceled, next(t, ch).Status)

	res, err = ex.CancelOrder(ctx, "ETHUSDT", common.OrderRef{ClientOrderID: "eS"})
	require.NoError(t, err)
	assert.Equal(t, common.CancelAlreadyTerminal, res)

	res, err = ex.CancelOrder(ctx, "ETHUSDT", common.OrderRef{ClientOrderID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, common.CancelNotFound, res)

	_, err = ex.QueryOrder(ctx, "ETHUSDT", common.OrderRef{ClientOrderID: "nope"})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestMarketNeedsMark(t *testing.T) {
	ex := New(Config{})
	_, err := ex.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "SOLUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1})
	assert.True(t, errs.Is(err, errs.KindRejection))
}

func TestLatencyHonorsContext(t *testing.T) {
	ex := New(Config{LatencyMin: time.Second, LatencyMax: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ex.QueryOpenOrders(ctx, "")
	assert.True(t, errs.Is(err, errs.KindTransient))
}
