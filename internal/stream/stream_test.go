package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-engine/internal/events"
	"futures-engine/internal/gateway"
	"futures-engine/internal/ledger"
	"futures-engine/internal/monitor"
	"futures-engine/pkg/db"
	"futures-engine/pkg/exchanges/common"
	"futures-engine/pkg/exchanges/paper"
)

type keySource struct {
	created atomic.Int32
}

func (k *keySource) CreateListenKey(context.Context) (string, error) {
	k.created.Add(1)
	return "key", nil
}

func (k *keySource) KeepAliveListenKey(context.Context, string) error { return nil }

type countingRequester struct{ n atomic.Int32 }

func (c *countingRequester) Request() { c.n.Add(1) }

const fillMsg = `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"BTCUSDT","c":"FE-a","S":"BUY","o":"LIMIT","x":"TRADE","X":"FILLED","i":1,"l":"1","z":"1","L":"100","ap":"100","T":1700000000000,"t":42,"AP":"0","ps":"BOTH"}}`

func TestListenerDeliversAndReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/key", r.URL.Path)
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if conns.Add(1) == 1 {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"e":"ACCOUNT_UPDATE"}`))
			_ = c.WriteMessage(websocket.TextMessage, []byte(fillMsg))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"e":"listenKeyExpired"}`))
			return
		}
		// Second connection stays open until the client leaves.
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	q := NewQueue(8)
	req := &countingRequester{}
	keys := &keySource{}
	metrics := monitor.NewSystemMetrics()
	l := NewListener(keys, q, req, metrics, ListenerConfig{
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Backoff: gateway.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case ev := <-q.Events():
		assert.Equal(t, "FE-a", ev.ClientOrderID)
		assert.Equal(t, common.StatusFilled, ev.Status)
		assert.Equal(t, common.SourceStream, ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return req.n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, keys.created.Load(), int32(2))
	assert.GreaterOrEqual(t, metrics.Count(monitor.Reconnects), uint64(1))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListenerBacksOffWhenDialFails(t *testing.T) {
	keys := &keySource{}
	l := NewListener(keys, NewQueue(1), &countingRequester{}, nil, ListenerConfig{
		BaseURL: "ws://127.0.0.1:1/ws",
		Backoff: gateway.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, keys.created.Load(), int32(1))
}

func TestQueuePushBlocksUntilRoom(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, common.OrderEvent{ClientOrderID: "a"}))
	assert.Equal(t, 1, q.Len())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(short, common.OrderEvent{ClientOrderID: "b"}), context.DeadlineExceeded)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, q.Push(ctx, common.OrderEvent{ClientOrderID: "c"}))
	}()
	assert.Equal(t, "a", (<-q.Events()).ClientOrderID)
	wg.Wait()
	assert.Equal(t, "c", (<-q.Events()).ClientOrderID)
}

func newResyncFixture(t *testing.T) (*Resyncer, *paper.Exchange, *ledger.Ledger, *Queue) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	l := ledger.New(database, nil)
	ex := paper.New(paper.Config{})
	q := NewQueue(16)
	r := NewResyncer(ResyncerDeps{
		Gateway: ex,
		Ledger:  l,
		Queue:   q,
		Owns:    func(id string) bool { return strings.HasPrefix(id, "FE-") },
		Bus:     events.NewBus(),
	})
	return r, ex, l, q
}

func drain(q *Queue) []common.OrderEvent {
	var out []common.OrderEvent
	for {
		select {
		case ev := <-q.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestResync(t *testing.T) {
	r, ex, l, q := newResyncFixture(t)
	ctx := context.Background()

	place := func(id string) {
		_, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 100, ClientID: id})
		require.NoError(t, err)
	}
	record := func(id string) {
		_, err := l.Insert(ctx, ledger.Order{ClientOrderID: id, Symbol: "BTCUSDT", Side: common.SideBuy, PositionSide: common.SideBuy, Role: ledger.RoleEntry, Type: common.OrderTypeLimit, Quantity: 1, Price: 100})
		require.NoError(t, err)
	}

	// Known and working: replayed because the ledger still says PENDING.
	record("FE-live")
	place("FE-live")
	// Ours on the exchange but unknown locally: orphan.
	place("FE-orphan")
	// Someone else's: left alone.
	place("web_manual")
	// Active locally, filled on the exchange while we were away.
	record("FE-missed")
	place("FE-missed")
	require.NoError(t, ex.Fill(common.OrderRef{ClientOrderID: "FE-missed"}, 1, 100))
	// Active locally, unknown to the exchange.
	record("FE-gone")

	r.PendingGrace = 0
	report, err := r.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.OpenOrders)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 2, report.Missing)
	require.Len(t, report.PositionDiffs, 1)
	assert.Equal(t, 1.0, report.PositionDiffs[0].ExchangeQty)

	byID := map[string]common.OrderEvent{}
	for _, ev := range drain(q) {
		assert.Equal(t, common.SourceResync, ev.Source)
		byID[ev.ClientOrderID] = ev
	}
	assert.Equal(t, common.StatusNew, byID["FE-live"].Status)
	assert.Equal(t, common.StatusFilled, byID["FE-missed"].Status)
	assert.Equal(t, common.StatusExpired, byID["FE-gone"].Status)
	assert.NotContains(t, byID, "web_manual")

	orphan, err := ex.QueryOrder(ctx, "BTCUSDT", common.OrderRef{ClientOrderID: "FE-orphan"})
	require.NoError(t, err)
	assert.Equal(t, common.StatusCanceled, orphan.Status)
	manual, _ := ex.QueryOrder(ctx, "BTCUSDT", common.OrderRef{ClientOrderID: "web_manual"})
	assert.Equal(t, common.StatusNew, manual.Status)
}

func TestResyncSkipsYoungPending(t *testing.T) {
	r, _, l, q := newResyncFixture(t)
	ctx := context.Background()
	_, err := l.Insert(ctx, ledger.Order{ClientOrderID: "FE-new", Symbol: "BTCUSDT", Side: common.SideBuy, PositionSide: common.SideBuy, Role: ledger.RoleEntry, Quantity: 1})
	require.NoError(t, err)

	report, err := r.Resync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Missing)
	assert.Empty(t, drain(q))
}

func TestRequestCoalesces(t *testing.T) {
	r, _, _, _ := newResyncFixture(t)
	r.Request()
	r.Request()
	r.Request()
	assert.Len(t, r.requests, 1)
}
