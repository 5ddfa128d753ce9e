package ports

import (
	"context"
	"time"

	"github.com/betbot/goconnect/internal/domain"
)

// PollResult 一次权威轮询（单交易对）的结果
//
// NotFound 携带本轮查询中交易所明确回答“不存在”的 client order id，
// 由 Tracker 的 not-found 策略计数；本轮查到的订单不出现在这里。
type PollResult struct {
	OrderUpdates []domain.OrderUpdate
	TradeUpdates []domain.TradeUpdate
	NotFound     []string
}

// PollSource 权威状态/成交查询源（REST 适配层实现）
//
// since 用于限定成交历史查询窗口，避免每轮全量拉取。
// 每个交易对的查询相互独立：实现方不得让一个交易对的失败
// 影响其他交易对的结果。
type PollSource interface {
	PollPair(ctx context.Context, pair string, since time.Time) (*PollResult, error)
}

// RawMessage 推送通道的一条交易所原生消息
type RawMessage struct {
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// MessageSource 推送消息源（断线重连后可继续投递到同一个 channel）
type MessageSource interface {
	Messages() <-chan RawMessage
}

// StatusDecoder 把交易所原生消息解码为通用订单状态更新
// 与本消息无关时返回 (nil, nil)
type StatusDecoder interface {
	DecodeStatus(msg RawMessage) ([]domain.OrderUpdate, error)
}

// TradeDecoder 把交易所原生消息解码为通用成交更新
type TradeDecoder interface {
	DecodeTrades(msg RawMessage) ([]domain.TradeUpdate, error)
}

// BalanceDecoder 把交易所原生消息解码为余额更新
type BalanceDecoder interface {
	DecodeBalances(msg RawMessage) ([]domain.BalanceUpdate, error)
}

// StreamDecoder 推送流适配器需要实现的完整解码面
type StreamDecoder interface {
	StatusDecoder
	TradeDecoder
	BalanceDecoder
}

// FillRecorder 成交旁路记录（下游记账用，迟到成交不允许静默丢失）
type FillRecorder interface {
	RecordFill(ctx context.Context, u domain.TradeUpdate) error
	// RecordRecreatedFill 记录找不到所属订单的成交（已被清理或属于其他实例）
	RecordRecreatedFill(ctx context.Context, u domain.TradeUpdate) error
}
