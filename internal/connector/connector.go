// Package connector 把追踪器、对账循环、推送监听和快照器装配成
// 一个可运行的交易所连接器。
package connector

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/reconcile"
	"github.com/betbot/goconnect/internal/stream"
)

var connectorLog = logrus.WithField("component", "connector")

// trackerPort 连接器需要的追踪器能力（tracker.Tracker 实现）
type trackerPort interface {
	StartTracking(o *domain.Order) error
	StopTracking(clientOrderID string) bool
	ProcessOrderUpdate(ctx context.Context, u domain.OrderUpdate)
	AllUpdatableOrders() map[string]domain.OrderSnapshot
	RestoreTrackingStates(snaps []domain.OrderSnapshot) int
}

// OrderGateway 下单/撤单出口（交易所适配器实现）
type OrderGateway interface {
	SubmitOrder(ctx context.Context, o *domain.Order) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, clientOrderID string) error
}

// Connector 交易所连接器
type Connector struct {
	tracker  trackerPort
	gateway  OrderGateway
	loop     *reconcile.Loop
	listener *stream.Listener
	snap     *Snapshotter
	ids      *IDSource

	snapshotInterval time.Duration
}

// Options 装配选项
type Options struct {
	Tracker  trackerPort
	Gateway  OrderGateway
	Loop     *reconcile.Loop
	Listener *stream.Listener
	// Snapshotter 可选；为 nil 时不做快照
	Snapshotter      *Snapshotter
	SnapshotInterval time.Duration
	// IDPrefix client order id 前缀
	IDPrefix string
}

// New 装配连接器
func New(opts Options) *Connector {
	return &Connector{
		tracker:          opts.Tracker,
		gateway:          opts.Gateway,
		loop:             opts.Loop,
		listener:         opts.Listener,
		snap:             opts.Snapshotter,
		ids:              NewIDSource(opts.IDPrefix),
		snapshotInterval: opts.SnapshotInterval,
	}
}

// Run 启动连接器并阻塞到 ctx 取消
// 启动顺序：先恢复快照，再开推送监听，最后开对账循环
func (c *Connector) Run(ctx context.Context) error {
	if c.snap != nil {
		restored, err := c.snap.Restore()
		if err != nil {
			return errors.Wrap(err, "恢复订单快照失败")
		}
		if restored > 0 {
			// 恢复的订单立即进入下一轮对账，尽快追平离线期间的变化
			c.loop.Nudge()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.loop.Run(ctx)
	}()

	if c.listener != nil {
		go c.listener.Run(ctx)
	}
	var autosaveDone chan struct{}
	if c.snap != nil {
		autosaveDone = make(chan struct{})
		go func() {
			defer close(autosaveDone)
			c.snap.RunAutosave(ctx, c.snapshotInterval)
		}()
	}

	connectorLog.Info("✅ 连接器已启动")
	<-done
	// RunAutosave 退出前会同步保存一次；等它落盘后才算真正停机
	if autosaveDone != nil {
		<-autosaveDone
	}
	return nil
}

// PlaceOrder 下单：生成 client order id、登记追踪、提交交易所
//
// 提交失败时订单直接置为 FAILED（失败事件照常发出）；
// 提交成功后的 OPEN 确认走正常的状态更新通道。
func (c *Connector) PlaceOrder(ctx context.Context, pair string, side domain.Side, kind domain.OrderKind, price, amount decimal.Decimal) (string, error) {
	clientID := c.ids.NextID(side)
	order := domain.NewOrder(clientID, pair, side, kind, price, amount)

	if err := c.tracker.StartTracking(order); err != nil {
		return "", errors.Wrap(err, "登记订单追踪失败")
	}

	exchangeID, err := c.gateway.SubmitOrder(ctx, order)
	if err != nil {
		c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
			ClientOrderID: clientID,
			TradingPair:   pair,
			NewState:      domain.StateFailed,
			Timestamp:     time.Now(),
		})
		return "", errors.Wrap(err, "提交订单失败")
	}

	// 提交即确认 OPEN；有些交易所会再推一次 open，幂等合并
	c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     pair,
		NewState:        domain.StateOpen,
		Timestamp:       time.Now(),
	})

	connectorLog.Infof("📝 已下单: client_order_id=%s pair=%s side=%s price=%s amount=%s",
		clientID, pair, side, price, amount)
	return clientID, nil
}

// CancelOrder 请求撤单；终态以交易所后续确认为准
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := c.gateway.CancelOrder(ctx, clientOrderID); err != nil {
		return err
	}
	// 催促对账循环尽快确认撤单结果
	c.loop.Nudge()
	return nil
}
