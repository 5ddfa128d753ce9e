package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/events"
	"github.com/betbot/goconnect/internal/metrics"
	"github.com/betbot/goconnect/internal/ports"
	"github.com/betbot/goconnect/pkg/cache"
)

var trackerLog = logrus.WithField("component", "order_tracker")

// Config 追踪器配置
type Config struct {
	NotFoundThreshold  int
	CachedOrderTTL     time.Duration
	CachedOrderMaxSize int
}

// slot 单个订单的并发控制单元
// 同一订单的状态更新与成交更新通过 slot.mu 串行化；
// 不同订单各自持锁，互不阻塞（没有全局大锁）
type slot struct {
	mu    sync.Mutex
	order *domain.Order
	lost  bool // not-found 升级后进入 lost 集合
}

// Tracker 订单追踪器：两条数据通道（轮询 + 推送）唯一的汇合点
//
// 锁序约定：允许“持有 slot 锁再取 t.mu”，禁止“持有 t.mu 等 slot 锁”。
// 所有 Process* 入口都是 total 的：坏输入只记日志，绝不向外抛出。
type Tracker struct {
	mu           sync.RWMutex
	active       map[string]*slot  // client order id -> slot
	lost         map[string]*slot  // 判定丢失但仍可收成交的订单
	byExchangeID map[string]string // exchange order id -> client order id

	// 已终结订单的 TTL 缓存：迟到更新先在这里找，避免误判 unknown
	cached *cache.InMemoryCache[string, domain.OrderSnapshot]

	notFound *NotFoundPolicy

	handlersMu sync.RWMutex
	handlers   []ports.EventHandler

	recorder ports.FillRecorder
}

// New 创建订单追踪器
func New(cfg Config) *Tracker {
	ttl := cfg.CachedOrderTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	maxSize := cfg.CachedOrderMaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Tracker{
		active:       make(map[string]*slot),
		lost:         make(map[string]*slot),
		byExchangeID: make(map[string]string),
		cached:       cache.NewInMemoryCache[string, domain.OrderSnapshot](ttl, maxSize),
		notFound:     NewNotFoundPolicy(cfg.NotFoundThreshold),
	}
}

// OnEvent 注册生命周期事件处理器（串行投递）
func (t *Tracker) OnEvent(h ports.EventHandler) {
	if h == nil {
		return
	}
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers = append(t.handlers, h)
}

// SetFillRecorder 设置成交旁路记录器（可选）
func (t *Tracker) SetFillRecorder(r ports.FillRecorder) {
	t.recorder = r
}

// StartTracking 注册一个新订单（PENDING_CREATE）
// client order id 已存在时返回错误
func (t *Tracker) StartTracking(o *domain.Order) error {
	if o == nil || o.ClientOrderID == "" {
		return fmt.Errorf("订单或 client_order_id 为空")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[o.ClientOrderID]; ok {
		return fmt.Errorf("订单已在追踪中: %s", o.ClientOrderID)
	}
	if _, ok := t.lost[o.ClientOrderID]; ok {
		return fmt.Errorf("订单已在追踪中（lost）: %s", o.ClientOrderID)
	}
	t.active[o.ClientOrderID] = &slot{order: o}
	if o.ExchangeOrderID != "" {
		t.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
	}
	trackerLog.Debugf("开始追踪订单: client_order_id=%s pair=%s side=%s amount=%s",
		o.ClientOrderID, o.TradingPair, o.Side, o.Amount)
	return nil
}

// RestoreTrackingStates 从快照恢复追踪（进程重启）
// 只恢复非终态订单；账本随快照完整重建，恢复后即可继续对账
func (t *Tracker) RestoreTrackingStates(snaps []domain.OrderSnapshot) int {
	restored := 0
	for _, s := range snaps {
		if s.State.IsTerminal() {
			continue
		}
		o := domain.RestoreOrder(s)
		if err := t.StartTracking(o); err != nil {
			trackerLog.Warnf("恢复订单失败: %v", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		trackerLog.Infof("📦 已从快照恢复 %d 个在途订单", restored)
	}
	return restored
}

// StopTracking 停止追踪一个订单
// 会等到该订单没有在途更新（拿到 slot 锁）后才移除；终态快照进缓存
func (t *Tracker) StopTracking(clientOrderID string) bool {
	t.mu.RLock()
	s, ok := t.active[clientOrderID]
	if !ok {
		s, ok = t.lost[clientOrderID]
	}
	t.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	snap := s.order.Snapshot()
	t.mu.Lock()
	delete(t.active, clientOrderID)
	delete(t.lost, clientOrderID)
	if snap.ExchangeOrderID != "" {
		delete(t.byExchangeID, snap.ExchangeOrderID)
	}
	t.mu.Unlock()
	s.mu.Unlock()

	t.cached.Set(clientOrderID, snap, 0)
	t.notFound.Forget(clientOrderID)
	trackerLog.Debugf("停止追踪订单: client_order_id=%s state=%s", clientOrderID, snap.State)
	return true
}

// ProcessOrderUpdate 处理一条状态通道更新（轮询与推送共用入口）
//
// 找不到订单时记日志后丢弃（可能属于其他进程实例或已被遗忘）。
// 终态为 FILLED 时必须通过完成门控才发完成事件；门控未过则订单
// 保持 pending completion，等后续成交更新补齐账本。
func (t *Tracker) ProcessOrderUpdate(ctx context.Context, u domain.OrderUpdate) {
	metrics.OrderUpdates.Add(1)

	s, ok := t.resolveSlot(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		if _, cachedHit := t.cached.Get(u.ClientOrderID); cachedHit {
			trackerLog.Debugf("忽略已终结订单的迟到状态更新: client_order_id=%s state=%s",
				u.ClientOrderID, u.NewState)
			return
		}
		metrics.UnknownOrderUpdates.Add(1)
		trackerLog.Infof("丢弃未知订单的状态更新: client_order_id=%s exchange_order_id=%s state=%s",
			u.ClientOrderID, u.ExchangeOrderID, u.NewState)
		return
	}

	s.mu.Lock()
	o := s.order
	t.notFound.Reset(o.ClientOrderID)

	if s.lost {
		// 丢失订单只接受终态确认：交易所最终给出了 filled/canceled 的结论
		if u.NewState.IsTerminal() {
			snap := o.Snapshot()
			t.detachLocked(o.ClientOrderID, snap)
			s.mu.Unlock()
			trackerLog.Infof("丢失订单已由交易所确认终态，移出追踪: client_order_id=%s state=%s",
				o.ClientOrderID, u.NewState)
			return
		}
		s.mu.Unlock()
		return
	}

	res, err := o.ApplyStatusUpdate(u)
	if err != nil {
		s.mu.Unlock()
		metrics.StateViolations.Add(1)
		trackerLog.Warnf("⚠️ [状态一致性] 拒绝非法状态更新: %v", err)
		return
	}
	if res.AssignedExchangeID {
		t.mu.Lock()
		t.byExchangeID[u.ExchangeOrderID] = o.ClientOrderID
		t.mu.Unlock()
	}

	detach := false
	if o.State == domain.StateFilled {
		if ev := o.CompletionEventIfReady(u.Timestamp); ev != nil {
			metrics.CompletionEvents.Add(1)
			detach = true
		} else if !o.CompletionEmitted() {
			trackerLog.Debugf("⏳ 完成事件挂起，等待成交记录补齐: client_order_id=%s ledger=%s reported=%s",
				o.ClientOrderID, o.ExecutedBase(), o.LastStatusExecutedBase())
		}
	} else if o.State.IsTerminal() {
		detach = true
	}

	evts := o.DrainPendingEvents()
	if detach {
		t.detachLocked(o.ClientOrderID, o.Snapshot())
	}
	s.mu.Unlock()

	t.emit(ctx, evts)
}

// ProcessTradeUpdate 处理一条成交通道更新
//
// 成交是加性且按 trade id 幂等的，可以无条件立刻发 fill 事件；
// 之后复查完成门控，通过则恰好发出一次完成事件。
// 找不到所属订单的成交按 recreated fill 旁路记录，绝不静默丢弃。
func (t *Tracker) ProcessTradeUpdate(ctx context.Context, u domain.TradeUpdate) {
	metrics.TradeUpdates.Add(1)

	s, ok := t.resolveSlot(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		metrics.RecreatedFills.Add(1)
		trackerLog.Warnf("🧾 未知订单的成交，按 recreated fill 记录: trade_id=%s client_order_id=%s amount=%s",
			u.TradeID, u.ClientOrderID, u.FillAmount)
		if t.recorder != nil {
			if err := t.recorder.RecordRecreatedFill(ctx, u); err != nil {
				trackerLog.Errorf("记录 recreated fill 失败: trade_id=%s err=%v", u.TradeID, err)
			}
		}
		return
	}

	s.mu.Lock()
	o := s.order
	t.notFound.Reset(o.ClientOrderID)

	isNew := o.RegisterFill(u.Fill())

	detach := false
	wasLost := s.lost
	if ev := o.CompletionEventIfReady(u.Timestamp); ev != nil {
		metrics.CompletionEvents.Add(1)
		detach = true
	}
	evts := o.DrainPendingEvents()
	if detach {
		t.detachLocked(o.ClientOrderID, o.Snapshot())
	}
	s.mu.Unlock()

	if isNew {
		metrics.FillsRegistered.Add(1)
		if t.recorder != nil {
			if err := t.recorder.RecordFill(ctx, u); err != nil {
				trackerLog.Errorf("记录成交失败: trade_id=%s err=%v", u.TradeID, err)
			}
		}
	} else {
		metrics.DuplicateFills.Add(1)
		trackerLog.Debugf("重复成交已忽略: trade_id=%s client_order_id=%s", u.TradeID, u.ClientOrderID)
	}
	if detach && wasLost {
		trackerLog.Infof("丢失订单最终完全成交，移出追踪: client_order_id=%s", u.ClientOrderID)
	}

	t.emit(ctx, evts)
}

// ProcessOrderNotFound 处理一次“订单不存在”响应
//
// 连续 threshold 次（默认 3）且订单尚未终结时，强制置为 FAILED、
// 发出失败事件，并把订单移入 lost 集合：之后仍可收迟到成交，
// 直到交易所给出终态确认
func (t *Tracker) ProcessOrderNotFound(ctx context.Context, clientOrderID string) {
	t.mu.RLock()
	s, ok := t.active[clientOrderID]
	t.mu.RUnlock()
	if !ok {
		trackerLog.Debugf("not-found 响应的订单不在追踪中: client_order_id=%s", clientOrderID)
		return
	}

	s.mu.Lock()
	o := s.order
	if o.State.IsTerminal() {
		s.mu.Unlock()
		return
	}

	count, escalate := t.notFound.ObserveMiss(clientOrderID)
	if !escalate {
		s.mu.Unlock()
		trackerLog.Debugf("订单 not-found 计数: client_order_id=%s count=%d/%d",
			clientOrderID, count, t.notFound.Threshold())
		return
	}

	metrics.NotFoundEscalations.Add(1)
	o.ForceFail(fmt.Sprintf("order not found on exchange after %d consecutive lookups", count), time.Now())
	evts := o.DrainPendingEvents()

	// 移入 lost：仍然对成交可见（AllFillableOrders / AllUpdatableOrders）
	t.mu.Lock()
	delete(t.active, clientOrderID)
	t.lost[clientOrderID] = s
	s.lost = true
	t.mu.Unlock()
	metrics.LostOrders.Add(1)
	s.mu.Unlock()

	trackerLog.Warnf("⚠️ 订单连续 %d 次 not-found，判定丢失并置为 FAILED: client_order_id=%s", count, clientOrderID)
	t.emit(ctx, evts)
}

// AllFillableOrders 可接收成交的订单快照（active + lost），按 client order id 索引
func (t *Tracker) AllFillableOrders() map[string]domain.OrderSnapshot {
	return t.snapshotAll(true)
}

// AllUpdatableOrders 可接收状态更新的订单快照（active + lost）
func (t *Tracker) AllUpdatableOrders() map[string]domain.OrderSnapshot {
	return t.snapshotAll(true)
}

// ActiveOrders 仅 active 集合的快照
func (t *Tracker) ActiveOrders() map[string]domain.OrderSnapshot {
	return t.snapshotAll(false)
}

func (t *Tracker) snapshotAll(includeLost bool) map[string]domain.OrderSnapshot {
	t.mu.RLock()
	slots := make(map[string]*slot, len(t.active)+len(t.lost))
	for id, s := range t.active {
		slots[id] = s
	}
	if includeLost {
		for id, s := range t.lost {
			slots[id] = s
		}
	}
	t.mu.RUnlock()

	// 快照在 slot 锁内生成：读端看不到应用到一半的更新
	out := make(map[string]domain.OrderSnapshot, len(slots))
	for id, s := range slots {
		s.mu.Lock()
		out[id] = s.order.Snapshot()
		s.mu.Unlock()
	}
	return out
}

// FetchOrder 按 exchange order id 反查订单快照
func (t *Tracker) FetchOrder(exchangeOrderID string) (domain.OrderSnapshot, bool) {
	t.mu.RLock()
	clientID, ok := t.byExchangeID[exchangeOrderID]
	var s *slot
	if ok {
		s = t.active[clientID]
		if s == nil {
			s = t.lost[clientID]
		}
	}
	t.mu.RUnlock()
	if s == nil {
		return domain.OrderSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Snapshot(), true
}

// CachedOrder 已终结订单的缓存快照
func (t *Tracker) CachedOrder(clientOrderID string) (domain.OrderSnapshot, bool) {
	return t.cached.Get(clientOrderID)
}

// ActivePairs 当前有活跃订单的交易对列表（对账循环的扇出依据）
func (t *Tracker) ActivePairs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool)
	var pairs []string
	for _, s := range t.active {
		p := s.order.TradingPair
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// HasActiveOrders 是否有活跃订单（短周期轮询的门控条件）
func (t *Tracker) HasActiveOrders() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active) > 0
}

// LostOrderIDs 当前 lost 集合（诊断用）
func (t *Tracker) LostOrderIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.lost))
	for id := range t.lost {
		ids = append(ids, id)
	}
	return ids
}

// resolveSlot 按 client order id 查找，回退到 exchange order id 索引
func (t *Tracker) resolveSlot(clientOrderID, exchangeOrderID string) (*slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if clientOrderID != "" {
		if s, ok := t.active[clientOrderID]; ok {
			return s, true
		}
		if s, ok := t.lost[clientOrderID]; ok {
			return s, true
		}
	}
	if exchangeOrderID != "" {
		if cid, ok := t.byExchangeID[exchangeOrderID]; ok {
			if s, ok := t.active[cid]; ok {
				return s, true
			}
			if s, ok := t.lost[cid]; ok {
				return s, true
			}
		}
	}
	return nil, false
}

// detachLocked 订单终结后移出追踪集合并写入终结缓存
// 调用方持有该订单的 slot 锁（锁序允许 slot -> t.mu）
func (t *Tracker) detachLocked(clientOrderID string, snap domain.OrderSnapshot) {
	t.mu.Lock()
	delete(t.active, clientOrderID)
	delete(t.lost, clientOrderID)
	if snap.ExchangeOrderID != "" {
		delete(t.byExchangeID, snap.ExchangeOrderID)
	}
	t.mu.Unlock()
	t.cached.Set(clientOrderID, snap, 0)
	t.notFound.Forget(clientOrderID)
}

// emit 串行派发事件；handler 的 panic 被吸收，错误只记日志
// 在订单锁外调用，handler 里可以安全地回读追踪器
func (t *Tracker) emit(ctx context.Context, evts []events.Event) {
	if len(evts) == 0 {
		return
	}
	t.handlersMu.RLock()
	handlers := make([]ports.EventHandler, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersMu.RUnlock()

	for _, ev := range evts {
		for _, h := range handlers {
			func(handler ports.EventHandler) {
				defer func() {
					if r := recover(); r != nil {
						trackerLog.Errorf("事件处理器 panic: %v", r)
					}
				}()
				if err := handler.OnConnectorEvent(ctx, ev); err != nil {
					trackerLog.Errorf("事件处理器执行失败: %v", err)
				}
			}(h)
		}
	}
}
