// Package bybit is a minimal Bybit v5 client: the public kline WebSocket
// stream and the REST endpoints the bot trades through (market klines,
// order create, position list).
package bybit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	MainnetREST = "https://api.bybit.com"
	TestnetREST = "https://api-testnet.bybit.com"
	MainnetWS   = "wss://stream.bybit.com/v5/public/linear"
	TestnetWS   = "wss://stream-testnet.bybit.com/v5/public/linear"

	CategoryLinear = "linear"
)

var (
	// ErrMalformedMessage marks a stream frame that could not be decoded.
	// The connection stays usable.
	ErrMalformedMessage = errors.New("bybit: malformed message")

	// ErrMissingCredentials is returned by signed calls without a key pair.
	ErrMissingCredentials = errors.New("bybit: api key and secret required")
)

// APIError is a non-zero retCode in a v5 response envelope.
type APIError struct {
	RetCode int
	RetMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: retCode %d: %s", e.RetCode, e.RetMsg)
}

// Kline is one candle. Start and End are epoch milliseconds; End is zero
// for REST rows, which do not carry it.
type Kline struct {
	Start    int64
	End      int64
	Interval string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Turnover decimal.Decimal
	Confirm  bool
}

// Topic returns the public kline topic for symbol and interval.
func Topic(interval, symbol string) string {
	return "kline." + interval + "." + symbol
}

// PlaceOrderRequest is the body of POST /v5/order/create for a market order.
type PlaceOrderRequest struct {
	Category    string
	Symbol      string
	Side        string // Buy | Sell
	Qty         decimal.Decimal
	StopLoss    decimal.Decimal // zero = none
	TakeProfit  decimal.Decimal // zero = none
	OrderLinkID string
	ReduceOnly  bool
}

// OrderAck is the result of a created order.
type OrderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PositionRecord is one row of GET /v5/position/list.
type PositionRecord struct {
	Symbol        string
	Side          string // Buy | Sell | "" when flat
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	MarkPrice     decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	UnrealisedPnl decimal.Decimal
}

// positionRow is the wire form; numeric fields may be "" when unset.
type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

func (r positionRow) record() PositionRecord {
	return PositionRecord{
		Symbol:        r.Symbol,
		Side:          r.Side,
		Size:          lenient(r.Size),
		AvgPrice:      lenient(r.AvgPrice),
		MarkPrice:     lenient(r.MarkPrice),
		StopLoss:      lenient(r.StopLoss),
		TakeProfit:    lenient(r.TakeProfit),
		UnrealisedPnl: lenient(r.UnrealisedPnl),
	}
}

// lenient parses s, mapping "" and garbage to zero.
func lenient(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
