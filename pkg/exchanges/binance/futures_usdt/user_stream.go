package futures_usdt

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"futures-engine/pkg/exchanges/common"
)

// User data stream event types the engine acts on.
const (
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
)

// StreamBaseURL is the websocket root a listen key is appended to.
func StreamBaseURL(testnet bool) string {
	if testnet {
		return "wss://stream.binancefuture.com/ws"
	}
	return "wss://fstream.binance.com/ws"
}

// UserEvent is one decoded user data stream message. Order is set for
// ORDER_TRADE_UPDATE only.
type UserEvent struct {
	Type  string
	Order *common.OrderEvent
}

// encoding/json falls back to case-insensitive key matching, so keys that
// differ from a wanted key only by case ("e"/"E", "t"/"T", "AP"/"ap") are
// declared too. Otherwise they decode into the wrong field.
type orderTradeUpdate struct {
	Type            string `json:"e"`
	EventTime       int64  `json:"E"`
	TransactionTime int64  `json:"T"`
	Data            struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		ExecutionType   string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		LastQty         string `json:"l"`
		CumQty          string `json:"z"`
		LastPrice       string `json:"L"`
		AvgPrice        string `json:"ap"`
		ActivationPrice string `json:"AP"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
	} `json:"o"`
}

// DecodeUserEvent parses a raw stream message. Messages without an event
// type decode to a zero UserEvent.
func DecodeUserEvent(msg []byte) (UserEvent, error) {
	// "e" is read on its own first; payload shapes differ per event.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return UserEvent{}, errors.Wrap(err, "decode user event")
	}
	v, ok := raw["e"]
	if !ok {
		return UserEvent{}, nil
	}
	var ev UserEvent
	if err := json.Unmarshal(v, &ev.Type); err != nil {
		return UserEvent{}, errors.Wrapf(err, "user event type %s", string(v))
	}
	if ev.Type != EventOrderTradeUpdate {
		return ev, nil
	}

	var u orderTradeUpdate
	if err := json.Unmarshal(msg, &u); err != nil {
		return UserEvent{}, errors.Wrap(err, "decode order trade update")
	}
	at := u.Data.TradeTime
	if at == 0 {
		at = u.TransactionTime
	}
	if at == 0 {
		at = u.EventTime
	}
	ev.Order = &common.OrderEvent{
		ClientOrderID:   u.Data.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(u.Data.OrderID, 10),
		Symbol:          u.Data.Symbol,
		Side:            common.Side(u.Data.Side),
		Status:          mapStatus(u.Data.Status),
		ExecutedQty:     parseFloat(u.Data.CumQty),
		AvgPrice:        parseFloat(u.Data.AvgPrice),
		LastFillPrice:   parseFloat(u.Data.LastPrice),
		ExchangeTime:    msToTime(at),
		Source:          common.SourceStream,
	}
	return ev, nil
}
