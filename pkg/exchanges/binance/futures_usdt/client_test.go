package futures_usdt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func verifySignature(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.True(t, idx > 0, "missing signature in %q", raw)
	assert.Equal(t, sign(raw[:idx], "secret"), raw[idx+len("&signature="):])
	assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
	q, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return q
}

func TestPlaceOrderLimitGTD(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		q := verifySignature(t, r)
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "0.015", q.Get("quantity"))
		assert.Equal(t, "65000.5", q.Get("price"))
		assert.Equal(t, "GTD", q.Get("timeInForce"))
		assert.NotEmpty(t, q.Get("goodTillDate"))
		assert.Equal(t, "FE-pul-BTCUSDT-B1-abc", q.Get("newClientOrderId"))
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":123456,"clientOrderId":"FE-pul-BTCUSDT-B1-abc","status":"NEW","executedQty":"0","avgPrice":"0.00"}`))
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         common.SideBuy,
		Type:         common.OrderTypeLimit,
		Qty:          0.015,
		Price:        65000.5,
		TimeInForce:  common.TIFGTD,
		GoodTillDate: time.Now().Add(45 * time.Minute),
		ClientID:     "FE-pul-BTCUSDT-B1-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", res.ExchangeOrderID)
	assert.Equal(t, common.StatusNew, res.Status)
}

func TestPlaceOrderStopMarketReduceOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := verifySignature(t, r)
		assert.Equal(t, "STOP_MARKET", q.Get("type"))
		assert.Equal(t, "98", q.Get("stopPrice"))
		assert.Equal(t, "true", q.Get("reduceOnly"))
		assert.Empty(t, q.Get("price"))
		w.Write([]byte(`{"orderId":7,"clientOrderId":"xS","status":"NEW"}`))
	})
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "SOLUSDT", Side: common.SideSell, Type: common.OrderTypeStopMarket,
		Qty: 1, StopPrice: 98, ReduceOnly: true, ClientID: "xS",
	})
	require.NoError(t, err)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   errs.Kind
	}{
		{"insufficient margin", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, errs.KindRejection},
		{"unknown order", 400, `{"code":-2011,"msg":"Unknown order sent."}`, errs.KindNotFound},
		{"backend timeout", 503, `{"code":-1007,"msg":"Timeout waiting for response from backend server."}`, errs.KindTransient},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests."}`, errs.KindTransient},
		{"bad gateway html", 502, `<html>bad gateway</html>`, errs.KindTransient},
		{"timestamp outside recvWindow", 400, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`, errs.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.QueryOrder(context.Background(), "BTCUSDT", common.OrderRef{ClientOrderID: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, errs.KindOf(err))
		})
	}
}

func TestRejectedTimestampRemeasuresClock(t *testing.T) {
	serverAhead := 3 * time.Second
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().Add(serverAhead).UnixMilli())
			return
		}
		q := verifySignature(t, r)
		ts, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
		assert.NoError(t, err)
		if time.Now().Add(serverAhead).UnixMilli()-ts > 1000 {
			w.WriteHeader(400)
			w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
			return
		}
		w.Write([]byte(`{"orderId":7,"clientOrderId":"x","status":"NEW","executedQty":"0","avgPrice":"0"}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.QueryOrder(ctx, "BTCUSDT", common.OrderRef{ClientOrderID: "x"})
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
	assert.Equal(t, -1021, errs.CodeOf(err))

	// The rejection queued a measurement; Run picks it up with its first one.
	go c.clock.Run(ctx)
	require.Eventually(t, func() bool {
		_, err := c.QueryOrder(ctx, "BTCUSDT", common.OrderRef{ClientOrderID: "x"})
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.InDelta(t, float64(serverAhead), float64(c.clock.Offset()), float64(500*time.Millisecond))
}

func TestCancelOrderResults(t *testing.T) {
	t.Run("canceled", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			q := verifySignature(t, r)
			assert.Equal(t, "abcS", q.Get("origClientOrderId"))
			w.Write([]byte(`{"orderId":1,"clientOrderId":"abcS","status":"CANCELED"}`))
		})
		res, err := c.CancelOrder(context.Background(), "BTCUSDT", common.OrderRef{ClientOrderID: "abcS"})
		require.NoError(t, err)
		assert.Equal(t, common.CancelSuccess, res)
	})

	t.Run("unknown order is not an error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(400)
			w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
		})
		res, err := c.CancelOrder(context.Background(), "BTCUSDT", common.OrderRef{ExchangeOrderID: "9"})
		require.NoError(t, err)
		assert.Equal(t, common.CancelNotFound, res)
	})

	t.Run("filled before cancel", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"orderId":1,"clientOrderId":"abcT","status":"FILLED"}`))
		})
		res, err := c.CancelOrder(context.Background(), "BTCUSDT", common.OrderRef{ClientOrderID: "abcT"})
		require.NoError(t, err)
		assert.Equal(t, common.CancelAlreadyTerminal, res)
	})
}

func TestQueryPositionsSkipsFlatAndMapsShorts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionSide":"BOTH","positionAmt":"0.010","entryPrice":"65000"},
			{"symbol":"ETHUSDT","positionSide":"BOTH","positionAmt":"-2","entryPrice":"3000"},
			{"symbol":"SOLUSDT","positionSide":"BOTH","positionAmt":"0","entryPrice":"0"}
		]`))
	})
	pos, err := c.QueryPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pos, 2)
	assert.Equal(t, common.PositionSnapshot{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 0.01, EntryPrice: 65000}, pos[0])
	assert.Equal(t, common.PositionSnapshot{Symbol: "ETHUSDT", Side: common.SideSell, Qty: 2, EntryPrice: 3000}, pos[1])
}

func TestSetMarginTypeAlreadySet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	})
	assert.NoError(t, c.SetMarginType(context.Background(), "BTCUSDT", "isolated"))
}

func TestListenKeyLifecycle(t *testing.T) {
	var keepalive int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"listenKey":"lk-1"}`))
		case http.MethodPut:
			keepalive++
			assert.Equal(t, "lk-1", r.URL.Query().Get("listenKey"))
			w.Write([]byte(`{}`))
		}
	})
	key, err := c.CreateListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lk-1", key)
	require.NoError(t, c.KeepAliveListenKey(context.Background(), key))
	assert.Equal(t, 1, keepalive)
}

func TestMissingKeysIsValidationError(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
