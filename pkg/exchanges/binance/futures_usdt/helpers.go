package futures_usdt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

// Binance error codes the engine treats specially.
const (
	codeDisconnected     = -1001
	codeTimeout          = -1007
	codeTooManyRequests  = -1003
	codeTimestampOutside = -1021 // "Timestamp for this request is outside of the recvWindow."
	codeUnknownOrder     = -2011 // "Unknown order sent."
	codeNoSuchOrder      = -2013 // "Order does not exist."
	codeNoMarginChange   = -4046 // "No need to change margin type."
)

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classifyResponse turns a non-2xx response into a classified error.
func classifyResponse(op string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	if ae.Msg == "" {
		ae.Msg = strings.TrimSpace(string(body))
	}

	switch {
	case ae.Code == codeUnknownOrder || ae.Code == codeNoSuchOrder:
		return errs.NotFound(op, ae.Code, ae.Msg)
	case ae.Code == codeDisconnected || ae.Code == codeTimeout || ae.Code == codeTooManyRequests || ae.Code == codeTimestampOutside:
		return errs.Transient(op, &errs.Error{Kind: errs.KindTransient, Code: ae.Code, Msg: ae.Msg})
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || status >= 500:
		return errs.Transient(op, &errs.Error{Kind: errs.KindTransient, Code: ae.Code, Msg: "http " + strconv.Itoa(status) + ": " + ae.Msg})
	default:
		return errs.Rejection(op, ae.Code, ae.Msg)
	}
}

// classifyTransport classifies a request that produced no response.
// Caller cancellation passes through untouched; timeouts, resets and EOFs
// are all worth another attempt.
func classifyTransport(op string, err error) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	return errs.Transient(op, err)
}
