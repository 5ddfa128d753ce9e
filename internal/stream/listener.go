package stream

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/events"
	"github.com/betbot/goconnect/internal/metrics"
	"github.com/betbot/goconnect/internal/ports"
)

var listenerLog = logrus.WithField("component", "stream_listener")

// Sink 解码后的更新去向（Tracker 实现）
type Sink interface {
	ProcessOrderUpdate(ctx context.Context, u domain.OrderUpdate)
	ProcessTradeUpdate(ctx context.Context, u domain.TradeUpdate)
}

// Listener 推送流监听器：原生消息 -> 解码 -> 通用更新
//
// 推送通道是尽力而为的：单条消息解码失败只记日志并继续，
// 漏掉的更新由对账循环兜底。余额更新不进订单追踪，
// 直接包装成事件转发给注册的处理器。
type Listener struct {
	src     ports.MessageSource
	decoder ports.StreamDecoder
	sink    Sink

	balanceHandler ports.EventHandler
}

// NewListener 创建推送流监听器
func NewListener(src ports.MessageSource, decoder ports.StreamDecoder, sink Sink) *Listener {
	return &Listener{
		src:     src,
		decoder: decoder,
		sink:    sink,
	}
}

// OnBalanceEvent 注册余额事件处理器（可选）
func (l *Listener) OnBalanceEvent(h ports.EventHandler) {
	l.balanceHandler = h
}

// Run 阻塞消费推送消息，ctx 取消或消息源关闭时返回
func (l *Listener) Run(ctx context.Context) {
	listenerLog.Info("推送流监听启动")
	for {
		select {
		case <-ctx.Done():
			listenerLog.Info("推送流监听退出")
			return
		case msg, ok := <-l.src.Messages():
			if !ok {
				listenerLog.Warn("⚠️ 推送消息源已关闭")
				return
			}
			metrics.StreamMessages.Add(1)
			l.handle(ctx, msg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg ports.RawMessage) {
	if updates, err := l.decoder.DecodeStatus(msg); err != nil {
		metrics.StreamDecodeErrors.Add(1)
		listenerLog.Warnf("状态消息解码失败: channel=%s err=%v", msg.Channel, err)
	} else {
		for _, u := range updates {
			l.sink.ProcessOrderUpdate(ctx, u)
		}
	}

	if trades, err := l.decoder.DecodeTrades(msg); err != nil {
		metrics.StreamDecodeErrors.Add(1)
		listenerLog.Warnf("成交消息解码失败: channel=%s err=%v", msg.Channel, err)
	} else {
		for _, u := range trades {
			l.sink.ProcessTradeUpdate(ctx, u)
		}
	}

	if balances, err := l.decoder.DecodeBalances(msg); err != nil {
		metrics.StreamDecodeErrors.Add(1)
		listenerLog.Warnf("余额消息解码失败: channel=%s err=%v", msg.Channel, err)
	} else if l.balanceHandler != nil {
		for _, b := range balances {
			ev := &events.BalanceUpdateEvent{
				Asset:     b.Asset,
				Total:     b.Total,
				Available: b.Available,
				Timestamp: b.Timestamp,
			}
			if err := l.balanceHandler.OnConnectorEvent(ctx, ev); err != nil {
				listenerLog.Errorf("余额事件处理失败: asset=%s err=%v", b.Asset, err)
			}
		}
	}
}
