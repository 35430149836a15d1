package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.UnixMilli(1705314600000) }

func expectedSign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte("1705314600000" + "KEY" + defaultRecvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

func TestGetKlines_ParsesNewestFirstRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/kline", r.URL.Path)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "15", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Empty(t, r.Header.Get("X-BAPI-SIGN"), "public call must not be signed")
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","symbol":"BTCUSDT","list":[
			["1705315500000","42010.5","42100","41990","42050.1","12.5","525000"],
			["1705314600000","42000","42020","41950","42010.5","10.25","430000"]]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	klines, err := c.GetKlines(context.Background(), CategoryLinear, "BTCUSDT", "15", 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)

	assert.Equal(t, int64(1705315500000), klines[0].Start)
	assert.True(t, klines[0].Close.Equal(decimal.RequireFromString("42050.1")))
	assert.True(t, klines[1].Volume.Equal(decimal.RequireFromString("10.25")))
	assert.Equal(t, "15", klines[1].Interval)
}

func TestGetKlines_BadRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":0,"result":{"list":[["1705314600000","x","1","1","1","1"]]}}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "").GetKlines(context.Background(), CategoryLinear, "BTCUSDT", "15", 1)
	assert.Error(t, err)
}

func TestPlaceOrder_SignsBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v5/order/create", r.URL.Path)

		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))

		assert.Equal(t, "KEY", r.Header.Get("X-BAPI-API-KEY"))
		assert.Equal(t, "1705314600000", r.Header.Get("X-BAPI-TIMESTAMP"))
		assert.Equal(t, defaultRecvWindow, r.Header.Get("X-BAPI-RECV-WINDOW"))
		assert.Equal(t, expectedSign("SECRET", string(raw)), r.Header.Get("X-BAPI-SIGN"))

		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-1","orderLinkId":"link-1"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "KEY", "SECRET", WithClock(fixedNow))
	ack, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		Category:    CategoryLinear,
		Symbol:      "BTCUSDT",
		Side:        "Buy",
		Qty:         decimal.RequireFromString("0.015"),
		StopLoss:    decimal.RequireFromString("41000.5"),
		OrderLinkID: "link-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-1", ack.OrderID)
	assert.Equal(t, "link-1", ack.OrderLinkID)

	assert.Equal(t, "Market", body["orderType"])
	assert.Equal(t, "0.015", body["qty"])
	assert.Equal(t, "41000.5", body["stopLoss"])
	_, hasTP := body["takeProfit"]
	assert.False(t, hasTP, "zero take-profit must be omitted")
	_, hasReduce := body["reduceOnly"]
	assert.False(t, hasReduce)
}

func TestPlaceOrder_RetCodeIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "KEY", "SECRET")
	_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{Category: CategoryLinear, Symbol: "BTCUSDT", Side: "Buy", Qty: decimal.NewFromInt(1)})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 110007, apiErr.RetCode)
}

func TestSignedCallWithoutCredentials(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "", "")
	_, err := c.GetPositions(context.Background(), CategoryLinear, "BTCUSDT")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestGetPositions_SignsQueryAndToleratesEmptyFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, expectedSign("SECRET", r.URL.RawQuery), r.Header.Get("X-BAPI-SIGN"))
		io.WriteString(w, `{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","side":"Sell","size":"0.02","avgPrice":"42000","markPrice":"41900.5","stopLoss":"","takeProfit":"40000","unrealisedPnl":"2.01"}]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "KEY", "SECRET", WithClock(fixedNow))
	list, err := c.GetPositions(context.Background(), CategoryLinear, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, list, 1)

	p := list[0]
	assert.Equal(t, "Sell", p.Side)
	assert.True(t, p.Size.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, p.StopLoss.IsZero())
	assert.True(t, p.TakeProfit.Equal(decimal.NewFromInt(40000)))
}

func TestNon200Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "blocked")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "").GetKlines(context.Background(), CategoryLinear, "BTCUSDT", "1", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
