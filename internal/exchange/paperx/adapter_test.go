package paperx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/exchange/rest"
	"github.com/betbot/goconnect/internal/ports"
)

type staticOrders map[string]domain.OrderSnapshot

func (s staticOrders) AllUpdatableOrders() map[string]domain.OrderSnapshot { return s }

func rawMsg(t *testing.T, typ string, data any) ports.RawMessage {
	t.Helper()
	inner, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{"type": typ, "data": json.RawMessage(inner)})
	require.NoError(t, err)
	return ports.RawMessage{Payload: payload, ReceivedAt: time.Now()}
}

func TestDecodeStatus(t *testing.T) {
	a := New(nil, staticOrders{})

	updates, err := a.DecodeStatus(rawMsg(t, "order", orderPayload{
		ClientOrderID:   "c-1",
		ExchangeOrderID: "x-1",
		Pair:            "BTC-USDT",
		State:           "partially_filled",
		ExecutedBase:    "2.5",
		UpdatedAtMs:     1700000000000,
	}))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "c-1", updates[0].ClientOrderID)
	assert.Equal(t, domain.StatePartiallyFilled, updates[0].NewState)
	assert.True(t, updates[0].ReportedExecutedBase.Equal(decimal.RequireFromString("2.5")))

	// 与本解码器无关的消息返回 (nil, nil)
	updates, err = a.DecodeStatus(rawMsg(t, "trade", tradePayload{}))
	require.NoError(t, err)
	assert.Nil(t, updates)
}

func TestDecodeStatusRejectsUnknownState(t *testing.T) {
	a := New(nil, staticOrders{})
	_, err := a.DecodeStatus(rawMsg(t, "order", orderPayload{
		ClientOrderID: "c-1",
		State:         "halted",
		ExecutedBase:  "0",
	}))
	require.Error(t, err)
}

func TestDecodeTrades(t *testing.T) {
	a := New(nil, staticOrders{})

	trades, err := a.DecodeTrades(rawMsg(t, "trade", tradePayload{
		TradeID:       "t-1",
		ClientOrderID: "c-1",
		Pair:          "BTC-USDT",
		Amount:        "0.5",
		Price:         "40000",
		QuoteAmount:   "20000",
		Fee:           "2",
		TimestampMs:   1700000000000,
	}))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "t-1", trades[0].TradeID)
	assert.True(t, trades[0].FillAmount.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, trades[0].Fee.Equal(decimal.RequireFromString("2")))
}

func TestDecodeBalances(t *testing.T) {
	a := New(nil, staticOrders{})

	balances, err := a.DecodeBalances(rawMsg(t, "balance", balancePayload{
		Asset:     "USDT",
		Total:     "1000",
		Available: "800",
	}))
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.True(t, balances[0].Available.Equal(decimal.RequireFromString("800")))
}

func TestPollPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/orders/c-open":
			json.NewEncoder(w).Encode(orderPayload{
				ClientOrderID: "c-open", ExchangeOrderID: "x-1", Pair: "BTC-USDT",
				State: "open", ExecutedBase: "0", UpdatedAtMs: time.Now().UnixMilli(),
			})
		case "/v1/orders/c-gone":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/trades":
			assert.Equal(t, "BTC-USDT", r.URL.Query().Get("pair"))
			json.NewEncoder(w).Encode([]tradePayload{{
				TradeID: "t-1", ClientOrderID: "c-open", Pair: "BTC-USDT",
				Amount: "1", Price: "100", QuoteAmount: "100", Fee: "0.1",
				TimestampMs: time.Now().UnixMilli(),
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tracked := staticOrders{
		"c-open": {ClientOrderID: "c-open", TradingPair: "BTC-USDT"},
		"c-gone": {ClientOrderID: "c-gone", TradingPair: "BTC-USDT"},
		"c-eth":  {ClientOrderID: "c-eth", TradingPair: "ETH-USDT"}, // 其他交易对不查
	}
	a := New(rest.NewClient(srv.URL), tracked)

	res, err := a.PollPair(context.Background(), "BTC-USDT", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.Len(t, res.OrderUpdates, 1)
	assert.Equal(t, "c-open", res.OrderUpdates[0].ClientOrderID)
	require.Len(t, res.NotFound, 1)
	assert.Equal(t, "c-gone", res.NotFound[0])
	require.Len(t, res.TradeUpdates, 1)
	assert.Equal(t, "t-1", res.TradeUpdates[0].TradeID)
}

func TestSubmitAndCancelOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/orders":
			var req submitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "c-1", req.ClientOrderID)
			json.NewEncoder(w).Encode(submitResponse{ExchangeOrderID: "x-1"})
		case "/v1/orders/cancel":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(rest.NewClient(srv.URL), staticOrders{})
	o := domain.NewOrder("c-1", "BTC-USDT", domain.SideBuy, domain.OrderKindLimit,
		decimal.RequireFromString("100"), decimal.RequireFromString("1"))

	exchangeID, err := a.SubmitOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "x-1", exchangeID)

	require.NoError(t, a.CancelOrder(context.Background(), "c-1"))
}
