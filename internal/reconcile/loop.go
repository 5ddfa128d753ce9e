package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/metrics"
	"github.com/betbot/goconnect/internal/ports"
	"github.com/betbot/goconnect/pkg/sigchan"
	"github.com/betbot/goconnect/pkg/syncgroup"
)

var loopLog = logrus.WithField("component", "reconcile_loop")

// OrderSink 对账结果的去向（Tracker 实现）
type OrderSink interface {
	ProcessOrderUpdate(ctx context.Context, u domain.OrderUpdate)
	ProcessTradeUpdate(ctx context.Context, u domain.TradeUpdate)
	ProcessOrderNotFound(ctx context.Context, clientOrderID string)
	ActivePairs() []string
	HasActiveOrders() bool
}

// Config 对账循环配置
type Config struct {
	// ShortInterval 有活跃订单时的轮询间隔
	ShortInterval time.Duration
	// LongInterval 无条件全量轮询间隔（覆盖推送长时间静默的场景）
	LongInterval time.Duration
	// RequestTimeout 单交易对请求的超时；一个请求超时不影响同轮其他请求
	RequestTimeout time.Duration
	// Pairs 配置的全部交易对（长周期轮询范围）
	Pairs []string
}

// Loop 权威对账循环
//
// 推送流快但有损，轮询慢但权威。循环以 1s 心跳驱动两级节奏：
//   - 短周期：只在有活跃订单时触发，只扫有活跃订单的交易对
//   - 长周期：无条件扫全部配置的交易对（兜底推送静默）
//
// 同一轮内各交易对并行查询、独立超时；轮询结果与推送更新
// 最终都汇入同一个 OrderSink，由它做幂等合并。
type Loop struct {
	cfg   Config
	src   ports.PollSource
	sink  OrderSink
	nudge *sigchan.Chan

	mu         sync.Mutex
	lastPollAt map[string]time.Time // 每交易对的成交查询窗口起点
	lastShort  time.Time
	lastLong   time.Time
}

// NewLoop 创建对账循环
func NewLoop(cfg Config, src ports.PollSource, sink OrderSink) *Loop {
	if cfg.ShortInterval <= 0 {
		cfg.ShortInterval = 5 * time.Second
	}
	if cfg.LongInterval <= 0 {
		cfg.LongInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Loop{
		cfg:        cfg,
		src:        src,
		sink:       sink,
		nudge:      sigchan.New(1),
		lastPollAt: make(map[string]time.Time),
	}
}

// Nudge 请求尽快对账一次（推送流丢弃消息、断线重连后调用）
func (l *Loop) Nudge() {
	l.nudge.Emit()
}

// Run 阻塞运行对账循环，ctx 取消时返回
func (l *Loop) Run(ctx context.Context) {
	loopLog.Infof("🔄 对账循环启动: short=%s long=%s pairs=%d",
		l.cfg.ShortInterval, l.cfg.LongInterval, len(l.cfg.Pairs))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			loopLog.Info("对账循环退出")
			return
		case <-l.nudge.C():
			// 外部催促：立即做一次短周期对账
			l.runShort(ctx, time.Now())
		case now := <-ticker.C:
			if now.Sub(l.lastLong) >= l.cfg.LongInterval {
				l.runLong(ctx, now)
				continue
			}
			if now.Sub(l.lastShort) >= l.cfg.ShortInterval {
				l.runShort(ctx, now)
			}
		}
	}
}

// runShort 短周期对账：只扫有活跃订单的交易对
func (l *Loop) runShort(ctx context.Context, now time.Time) {
	l.lastShort = now
	if !l.sink.HasActiveOrders() {
		return
	}
	l.pollPairs(ctx, l.sink.ActivePairs())
}

// runLong 长周期对账：无条件扫全部配置的交易对
func (l *Loop) runLong(ctx context.Context, now time.Time) {
	l.lastLong = now
	l.lastShort = now
	pairs := l.cfg.Pairs
	if len(pairs) == 0 {
		pairs = l.sink.ActivePairs()
	}
	l.pollPairs(ctx, pairs)
}

// pollPairs 并行查询一组交易对并把结果喂给 sink
// 每个交易对独立超时、独立失败；一个 pair 出错只影响它自己
func (l *Loop) pollPairs(ctx context.Context, pairs []string) {
	if len(pairs) == 0 {
		return
	}
	metrics.ReconcileRuns.Add(1)

	group := syncgroup.NewSyncGroup()
	for _, pair := range pairs {
		p := pair
		group.Add(func() {
			l.pollOne(ctx, p)
		})
	}
	group.Run()
	group.Wait()
}

func (l *Loop) pollOne(ctx context.Context, pair string) {
	since := l.windowStart(pair)
	reqCtx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	started := time.Now()
	res, err := l.src.PollPair(reqCtx, pair, since)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		loopLog.Warnf("⚠️ 轮询失败: pair=%s err=%v", pair, err)
		return
	}

	// 窗口只在成功后推进：失败的那一轮成交下次还会被查到
	l.advanceWindow(pair, started)

	for _, u := range res.OrderUpdates {
		l.sink.ProcessOrderUpdate(ctx, u)
	}
	for _, u := range res.TradeUpdates {
		l.sink.ProcessTradeUpdate(ctx, u)
	}
	for _, id := range res.NotFound {
		l.sink.ProcessOrderNotFound(ctx, id)
	}

	if len(res.OrderUpdates)+len(res.TradeUpdates)+len(res.NotFound) > 0 {
		loopLog.Debugf("对账完成: pair=%s orders=%d trades=%d not_found=%d",
			pair, len(res.OrderUpdates), len(res.TradeUpdates), len(res.NotFound))
	}
}

// windowStart 该交易对的成交查询窗口起点；首次查询回看一小时
func (l *Loop) windowStart(pair string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.lastPollAt[pair]; ok {
		return t
	}
	return time.Now().Add(-time.Hour)
}

func (l *Loop) advanceWindow(pair string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// 窗口起点稍微回退，吃掉交易所写入延迟；重复成交由账本去重
	l.lastPollAt[pair] = t.Add(-5 * time.Second)
}
