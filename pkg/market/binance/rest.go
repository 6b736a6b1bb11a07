package market

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"futures-engine/pkg/exchanges/common"
)

// Client wraps public REST market data for Binance USDT-M futures.
type Client struct {
	http *resty.Client
}

// NewClient builds a REST client; baseURL overrides the testnet/mainnet default.
func NewClient(testnet bool, baseURL string) *Client {
	base := "https://fapi.binance.com"
	if testnet {
		base = "https://testnet.binancefuture.com"
	}
	if baseURL != "" {
		base = strings.TrimSuffix(baseURL, "/")
	}
	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(300 * time.Millisecond),
	}
}

// Klines fetches the most recent klines, oldest first. The last element is
// the candle still forming.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]common.Kline, error) {
	params := map[string]string{"symbol": symbol, "interval": interval}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(params).Get("/fapi/v1/klines")
	if err != nil {
		return nil, errors.Wrap(err, "binance klines")
	}
	if resp.IsError() {
		return nil, errors.Errorf("binance klines status %d: %s", resp.StatusCode(), resp.String())
	}

	var raw [][]any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, errors.Wrap(err, "decode klines")
	}

	klines := make([]common.Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 7 {
			continue
		}
		klines = append(klines, common.Kline{
			OpenTime:  time.UnixMilli(toInt64(item[0])),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: time.UnixMilli(toInt64(item[6])),
		})
	}
	return klines, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	default:
		return 0
	}
}
