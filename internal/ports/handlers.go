package ports

import (
	"context"

	"github.com/betbot/goconnect/internal/events"
)

// EventHandler 消费连接器生命周期事件（串行投递）
//
// NOTE: 接口放在中立包里，避免 tracker / reconcile / stream /
// infrastructure 之间出现循环依赖（与 bbgo 的 session 路由同构）。
type EventHandler interface {
	OnConnectorEvent(ctx context.Context, ev events.Event) error
}

// EventHandlerFunc 函数适配器
type EventHandlerFunc func(ctx context.Context, ev events.Event) error

func (f EventHandlerFunc) OnConnectorEvent(ctx context.Context, ev events.Event) error {
	return f(ctx, ev)
}
