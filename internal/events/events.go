package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event 连接器对外发出的生命周期事件（由策略/执行层消费）
//
// NOTE: 事件只携带值（id/数量/费用），不携带 Order 指针，
// 避免消费方拿到引用后绕过 Tracker 修改订单状态。
type Event interface {
	EventTime() time.Time
}

// OrderFilledEvent 订单成交事件（每笔新 fill 一条，按 fill id 去重后发出）
type OrderFilledEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            string
	TradeID         string
	FillAmount      decimal.Decimal
	FillPrice       decimal.Decimal
	FillQuoteAmount decimal.Decimal
	Fee             decimal.Decimal
	Timestamp       time.Time
}

func (e *OrderFilledEvent) EventTime() time.Time { return e.Timestamp }

// BuyOrderCompletedEvent 买单完成事件（完成门控通过后恰好发出一次）
// 数量/费用口径：以 FillLedger 的累计值为准，不使用状态通道的汇总值
type BuyOrderCompletedEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	BaseExecuted    decimal.Decimal
	QuoteExecuted   decimal.Decimal
	FeePaid         decimal.Decimal
	Timestamp       time.Time
}

func (e *BuyOrderCompletedEvent) EventTime() time.Time { return e.Timestamp }

// SellOrderCompletedEvent 卖单完成事件（完成门控通过后恰好发出一次）
type SellOrderCompletedEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	BaseExecuted    decimal.Decimal
	QuoteExecuted   decimal.Decimal
	FeePaid         decimal.Decimal
	Timestamp       time.Time
}

func (e *SellOrderCompletedEvent) EventTime() time.Time { return e.Timestamp }

// OrderCancelledEvent 订单取消事件
type OrderCancelledEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	BaseExecuted    decimal.Decimal
	Timestamp       time.Time
}

func (e *OrderCancelledEvent) EventTime() time.Time { return e.Timestamp }

// OrderExpiredEvent 订单过期事件
type OrderExpiredEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	BaseExecuted    decimal.Decimal
	Timestamp       time.Time
}

func (e *OrderExpiredEvent) EventTime() time.Time { return e.Timestamp }

// OrderFailureEvent 订单失败事件（交易所拒单，或 not-found 达到阈值被判定丢失）
type OrderFailureEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Reason          string
	Timestamp       time.Time
}

func (e *OrderFailureEvent) EventTime() time.Time { return e.Timestamp }

// BalanceUpdateEvent 余额更新事件（来自推送通道，透传给账户视图）
type BalanceUpdateEvent struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Timestamp time.Time
}

func (e *BalanceUpdateEvent) EventTime() time.Time { return e.Timestamp }
