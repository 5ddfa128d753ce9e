package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderUpdate 状态通道的通用更新（REST 轮询与推送流都翻译成这个形状）
type OrderUpdate struct {
	ClientOrderID        string
	ExchangeOrderID      string // 可为空：交易所尚未确认时
	TradingPair          string
	NewState             OrderState
	ReportedExecutedBase decimal.Decimal // 状态通道汇报的累计成交量（与账本口径独立）
	Timestamp            time.Time
}

// TradeUpdate 成交通道的通用更新
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	FillAmount      decimal.Decimal
	FillPrice       decimal.Decimal
	FillQuoteAmount decimal.Decimal
	Fee             decimal.Decimal
	Timestamp       time.Time
}

// Fill 转换为账本内的成交记录
func (u TradeUpdate) Fill() Fill {
	return Fill{
		TradeID:     u.TradeID,
		Amount:      u.FillAmount,
		Price:       u.FillPrice,
		QuoteAmount: u.FillQuoteAmount,
		Fee:         u.Fee,
		Timestamp:   u.Timestamp,
	}
}

// BalanceUpdate 余额更新（推送通道透传，核心只转发不记账）
type BalanceUpdate struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Timestamp time.Time
}
