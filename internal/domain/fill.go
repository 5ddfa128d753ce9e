package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Fill 一笔成交（部分或全部），以交易所分配的 trade id 为主键
type Fill struct {
	TradeID     string          `json:"trade_id"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	Fee         decimal.Decimal `json:"fee"`
	Timestamp   time.Time       `json:"timestamp"`
}

// FillLedger 单个订单的去重成交账本
//
// 不变量：任何 trade id 只计一次；ExecutedBase() 恒等于账本内所有 fill 的数量之和。
// 访问由持有它的 Order 的串行化保证（Tracker 的 per-order 锁），自身不加锁。
type FillLedger struct {
	fills         map[string]Fill
	executedBase  decimal.Decimal
	executedQuote decimal.Decimal
	feePaid       decimal.Decimal
}

// NewFillLedger 创建空账本
func NewFillLedger() *FillLedger {
	return &FillLedger{
		fills:         make(map[string]Fill),
		executedBase:  decimal.Zero,
		executedQuote: decimal.Zero,
		feePaid:       decimal.Zero,
	}
}

// Add 记录一笔成交；重复的 trade id 返回 false 且不改变任何累计值
func (l *FillLedger) Add(f Fill) bool {
	if f.TradeID == "" {
		return false
	}
	if _, ok := l.fills[f.TradeID]; ok {
		return false
	}
	l.fills[f.TradeID] = f
	l.executedBase = l.executedBase.Add(f.Amount)
	l.executedQuote = l.executedQuote.Add(f.QuoteAmount)
	l.feePaid = l.feePaid.Add(f.Fee)
	return true
}

// Has 检查 trade id 是否已入账
func (l *FillLedger) Has(tradeID string) bool {
	_, ok := l.fills[tradeID]
	return ok
}

// ExecutedBase 累计成交基础资产数量
func (l *FillLedger) ExecutedBase() decimal.Decimal { return l.executedBase }

// ExecutedQuote 累计成交计价资产数量
func (l *FillLedger) ExecutedQuote() decimal.Decimal { return l.executedQuote }

// FeePaid 累计手续费
func (l *FillLedger) FeePaid() decimal.Decimal { return l.feePaid }

// Len 账本内成交笔数
func (l *FillLedger) Len() int { return len(l.fills) }

// Fills 返回账本内所有成交的副本（按时间排序，用于快照/持久化）
func (l *FillLedger) Fills() []Fill {
	out := make([]Fill, 0, len(l.fills))
	for _, f := range l.fills {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].TradeID < out[j].TradeID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Restore 从快照重建账本（进程重启恢复用）
func (l *FillLedger) Restore(fills []Fill) {
	for _, f := range fills {
		l.Add(f)
	}
}
