// Package paperx 是参考交易所适配器：把一个通用 JSON REST/推送接口
// 翻译成连接器的轮询与解码契约。真实交易所适配器照着这个形状实现
// ports.PollSource / ports.StreamDecoder 即可接入。
package paperx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/exchange/rest"
	"github.com/betbot/goconnect/internal/ports"
)

var adapterLog = logrus.WithField("component", "paperx_adapter")

// TrackedOrders 轮询时需要逐单查询的在途订单来源（Tracker 实现）
type TrackedOrders interface {
	AllUpdatableOrders() map[string]domain.OrderSnapshot
}

// Adapter paperx 适配器，实现 ports.PollSource 与 ports.StreamDecoder
type Adapter struct {
	rest    *rest.Client
	tracked TrackedOrders
}

// New 创建适配器
func New(client *rest.Client, tracked TrackedOrders) *Adapter {
	return &Adapter{rest: client, tracked: tracked}
}

// --- 线格式 ---

type orderPayload struct {
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
	Pair            string `json:"pair"`
	State           string `json:"state"`
	ExecutedBase    string `json:"executed_base"`
	UpdatedAtMs     int64  `json:"updated_at_ms"`
}

type tradePayload struct {
	TradeID         string `json:"trade_id"`
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
	Pair            string `json:"pair"`
	Amount          string `json:"amount"`
	Price           string `json:"price"`
	QuoteAmount     string `json:"quote_amount"`
	Fee             string `json:"fee"`
	TimestampMs     int64  `json:"timestamp_ms"`
}

type balancePayload struct {
	Asset       string `json:"asset"`
	Total       string `json:"total"`
	Available   string `json:"available"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// streamEnvelope 推送消息外层；Type 决定内层负载形状
type streamEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var stateNames = map[string]domain.OrderState{
	"new":              domain.StatePendingCreate,
	"open":             domain.StateOpen,
	"partially_filled": domain.StatePartiallyFilled,
	"filled":           domain.StateFilled,
	"canceled":         domain.StateCanceled,
	"expired":          domain.StateExpired,
	"rejected":         domain.StateFailed,
	"failed":           domain.StateFailed,
}

func (p orderPayload) toUpdate() (domain.OrderUpdate, error) {
	state, ok := stateNames[p.State]
	if !ok {
		return domain.OrderUpdate{}, errors.Errorf("未知订单状态: %q", p.State)
	}
	executed, err := decimal.NewFromString(p.ExecutedBase)
	if err != nil {
		return domain.OrderUpdate{}, errors.Wrapf(err, "解析 executed_base %q 失败", p.ExecutedBase)
	}
	return domain.OrderUpdate{
		ClientOrderID:        p.ClientOrderID,
		ExchangeOrderID:      p.ExchangeOrderID,
		TradingPair:          p.Pair,
		NewState:             state,
		ReportedExecutedBase: executed,
		Timestamp:            time.UnixMilli(p.UpdatedAtMs),
	}, nil
}

func (p tradePayload) toUpdate() (domain.TradeUpdate, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return domain.TradeUpdate{}, errors.Wrapf(err, "解析 amount %q 失败", p.Amount)
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return domain.TradeUpdate{}, errors.Wrapf(err, "解析 price %q 失败", p.Price)
	}
	quote, err := decimal.NewFromString(p.QuoteAmount)
	if err != nil {
		return domain.TradeUpdate{}, errors.Wrapf(err, "解析 quote_amount %q 失败", p.QuoteAmount)
	}
	fee := decimal.Zero
	if p.Fee != "" {
		fee, err = decimal.NewFromString(p.Fee)
		if err != nil {
			return domain.TradeUpdate{}, errors.Wrapf(err, "解析 fee %q 失败", p.Fee)
		}
	}
	return domain.TradeUpdate{
		TradeID:         p.TradeID,
		ClientOrderID:   p.ClientOrderID,
		ExchangeOrderID: p.ExchangeOrderID,
		TradingPair:     p.Pair,
		FillAmount:      amount,
		FillPrice:       price,
		FillQuoteAmount: quote,
		Fee:             fee,
		Timestamp:       time.UnixMilli(p.TimestampMs),
	}, nil
}

// --- 轮询侧（ports.PollSource）---

// PollPair 对单个交易对做一轮权威查询：
//   - 逐单 GET 该交易对的在途订单状态；404 进 NotFound
//   - 按 since 窗口 GET 成交历史
//
// 单个订单的传输错误只跳过该订单，不污染整轮结果。
func (a *Adapter) PollPair(ctx context.Context, pair string, since time.Time) (*ports.PollResult, error) {
	res := &ports.PollResult{}

	for clientID, snap := range a.tracked.AllUpdatableOrders() {
		if snap.TradingPair != pair {
			continue
		}
		var payload orderPayload
		err := a.rest.GetJSON(ctx, "/v1/orders/"+clientID, nil, &payload)
		if errors.Is(err, rest.ErrNotFound) {
			res.NotFound = append(res.NotFound, clientID)
			continue
		}
		if err != nil {
			adapterLog.Warnf("查询订单失败: client_order_id=%s err=%v", clientID, err)
			continue
		}
		u, err := payload.toUpdate()
		if err != nil {
			adapterLog.Warnf("订单响应解析失败: client_order_id=%s err=%v", clientID, err)
			continue
		}
		res.OrderUpdates = append(res.OrderUpdates, u)
	}

	var trades []tradePayload
	params := map[string]string{
		"pair":     pair,
		"since_ms": decimal.NewFromInt(since.UnixMilli()).String(),
	}
	if err := a.rest.GetJSON(ctx, "/v1/trades", params, &trades); err != nil {
		return nil, errors.Wrapf(err, "查询成交历史失败: pair=%s", pair)
	}
	for _, t := range trades {
		u, err := t.toUpdate()
		if err != nil {
			adapterLog.Warnf("成交响应解析失败: trade_id=%s err=%v", t.TradeID, err)
			continue
		}
		res.TradeUpdates = append(res.TradeUpdates, u)
	}

	return res, nil
}

// --- 下单/撤单 ---

type submitRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Pair          string `json:"pair"`
	Side          string `json:"side"`
	Kind          string `json:"kind"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
}

type submitResponse struct {
	ExchangeOrderID string `json:"exchange_order_id"`
}

// SubmitOrder 提交订单，返回交易所订单 id
func (a *Adapter) SubmitOrder(ctx context.Context, o *domain.Order) (string, error) {
	req := submitRequest{
		ClientOrderID: o.ClientOrderID,
		Pair:          o.TradingPair,
		Side:          string(o.Side),
		Kind:          string(o.Kind),
		Price:         o.Price.String(),
		Amount:        o.Amount.String(),
	}
	var resp submitResponse
	if err := a.rest.PostJSON(ctx, "/v1/orders", req, &resp); err != nil {
		return "", errors.Wrap(err, "提交订单失败")
	}
	return resp.ExchangeOrderID, nil
}

// CancelOrder 请求撤单；终态由后续状态通道确认，这里只发起
func (a *Adapter) CancelOrder(ctx context.Context, clientOrderID string) error {
	body := map[string]string{"client_order_id": clientOrderID}
	if err := a.rest.PostJSON(ctx, "/v1/orders/cancel", body, nil); err != nil {
		return errors.Wrapf(err, "撤单失败: client_order_id=%s", clientOrderID)
	}
	return nil
}

// --- 推送侧（ports.StreamDecoder）---

// DecodeStatus 解码推送订单状态消息；非订单消息返回 (nil, nil)
func (a *Adapter) DecodeStatus(msg ports.RawMessage) ([]domain.OrderUpdate, error) {
	var env streamEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, errors.Wrap(err, "解析推送消息外层失败")
	}
	if env.Type != "order" {
		return nil, nil
	}
	var payload orderPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, errors.Wrap(err, "解析订单推送失败")
	}
	u, err := payload.toUpdate()
	if err != nil {
		return nil, err
	}
	return []domain.OrderUpdate{u}, nil
}

// DecodeTrades 解码推送成交消息；非成交消息返回 (nil, nil)
func (a *Adapter) DecodeTrades(msg ports.RawMessage) ([]domain.TradeUpdate, error) {
	var env streamEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, errors.Wrap(err, "解析推送消息外层失败")
	}
	if env.Type != "trade" {
		return nil, nil
	}
	var payload tradePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, errors.Wrap(err, "解析成交推送失败")
	}
	u, err := payload.toUpdate()
	if err != nil {
		return nil, err
	}
	return []domain.TradeUpdate{u}, nil
}

// DecodeBalances 解码推送余额消息；非余额消息返回 (nil, nil)
func (a *Adapter) DecodeBalances(msg ports.RawMessage) ([]domain.BalanceUpdate, error) {
	var env streamEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, errors.Wrap(err, "解析推送消息外层失败")
	}
	if env.Type != "balance" {
		return nil, nil
	}
	var payload balancePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, errors.Wrap(err, "解析余额推送失败")
	}
	total, err := decimal.NewFromString(payload.Total)
	if err != nil {
		return nil, errors.Wrapf(err, "解析 total %q 失败", payload.Total)
	}
	available, err := decimal.NewFromString(payload.Available)
	if err != nil {
		return nil, errors.Wrapf(err, "解析 available %q 失败", payload.Available)
	}
	return []domain.BalanceUpdate{{
		Asset:     payload.Asset,
		Total:     total,
		Available: available,
		Timestamp: time.UnixMilli(payload.TimestampMs),
	}}, nil
}
