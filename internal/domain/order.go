package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnect/internal/events"
)

var (
	// ErrExchangeOrderIDConflict 交易所订单 ID 写一次约束被违反（第二次赋了不同的值）
	ErrExchangeOrderIDConflict = errors.New("exchange order id already set with a different value")
	// ErrInvalidTransition 状态迁移表不允许的迁移（含回退，如 FILLED -> OPEN）
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// Order 在途订单状态机
//
// 生命周期内由 Tracker 独占持有：所有字段的读写都在 Tracker 的
// per-order 锁内进行，Order 自身不加锁。
// 事件不直接发出，而是挂到 pendingEvents 微队列，由 Tracker 在
// 释放订单锁之后统一 drain（spec 的 enqueue-now-flush-when-covered 模式）。
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string // 写一次：交易所确认后赋值，之后不可变
	TradingPair     string
	Side            Side
	Kind            OrderKind
	Price           decimal.Decimal
	Amount          decimal.Decimal

	State     OrderState
	CreatedAt time.Time
	UpdatedAt time.Time

	ledger *FillLedger

	// 状态通道最近一次汇报的累计成交量（与账本的求和口径独立，是完成门控的另一半）
	lastStatusExecutedBase decimal.Decimal

	completionEmitted bool
	pendingEvents     []events.Event
}

// NewOrder 创建一个本地已受理、交易所尚未确认的订单（PENDING_CREATE）
func NewOrder(clientOrderID, tradingPair string, side Side, kind OrderKind, price, amount decimal.Decimal) *Order {
	return &Order{
		ClientOrderID:          clientOrderID,
		TradingPair:            tradingPair,
		Side:                   side,
		Kind:                   kind,
		Price:                  price,
		Amount:                 amount,
		State:                  StatePendingCreate,
		CreatedAt:              time.Now(),
		UpdatedAt:              time.Now(),
		ledger:                 NewFillLedger(),
		lastStatusExecutedBase: decimal.Zero,
	}
}

// StatusApplyResult ApplyStatusUpdate 的结果
type StatusApplyResult struct {
	StateChanged       bool
	AssignedExchangeID bool
}

// ApplyStatusUpdate 应用一条状态通道更新
//
// 校验迁移表：回退迁移与终态后的迁移返回 ErrInvalidTransition（调用方记日志后忽略）。
// exchange order id 只允许赋值一次，第二次出现不同值返回 ErrExchangeOrderIDConflict。
// 取消/过期/失败的终态事件在这里入队；FILLED 不入队任何事件，
// 完成事件必须经过 CompletionEventIfReady 的门控。
func (o *Order) ApplyStatusUpdate(u OrderUpdate) (StatusApplyResult, error) {
	var res StatusApplyResult

	if u.ExchangeOrderID != "" {
		if o.ExchangeOrderID == "" {
			o.ExchangeOrderID = u.ExchangeOrderID
			res.AssignedExchangeID = true
		} else if o.ExchangeOrderID != u.ExchangeOrderID {
			return res, fmt.Errorf("%w: have=%s got=%s client_order_id=%s",
				ErrExchangeOrderIDConflict, o.ExchangeOrderID, u.ExchangeOrderID, o.ClientOrderID)
		}
	}

	if !CanTransition(o.State, u.NewState) {
		return res, fmt.Errorf("%w: %s -> %s client_order_id=%s",
			ErrInvalidTransition, o.State, u.NewState, o.ClientOrderID)
	}

	// 状态通道的累计成交量单调不减：更小的值视为过期轮询结果
	if u.ReportedExecutedBase.GreaterThan(o.lastStatusExecutedBase) {
		o.lastStatusExecutedBase = u.ReportedExecutedBase
	}

	if u.NewState != o.State {
		prev := o.State
		o.State = u.NewState
		res.StateChanged = true
		o.queueTerminalEvent(prev, u.Timestamp)
	}
	if !u.Timestamp.IsZero() {
		o.UpdatedAt = u.Timestamp
	}
	return res, nil
}

// queueTerminalEvent 取消/过期/失败到达时入队对应事件
// FILLED 不在这里入队：完成事件只能由完成门控产生
func (o *Order) queueTerminalEvent(prev OrderState, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	switch o.State {
	case StateCanceled:
		o.pendingEvents = append(o.pendingEvents, &events.OrderCancelledEvent{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			TradingPair:     o.TradingPair,
			BaseExecuted:    o.ledger.ExecutedBase(),
			Timestamp:       ts,
		})
	case StateExpired:
		o.pendingEvents = append(o.pendingEvents, &events.OrderExpiredEvent{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			TradingPair:     o.TradingPair,
			BaseExecuted:    o.ledger.ExecutedBase(),
			Timestamp:       ts,
		})
	case StateFailed:
		reason := "exchange reported failure"
		if prev == StatePendingCreate {
			reason = "order placement rejected"
		}
		o.pendingEvents = append(o.pendingEvents, &events.OrderFailureEvent{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			TradingPair:     o.TradingPair,
			Reason:          reason,
			Timestamp:       ts,
		})
	}
}

// ForceFail not-found 策略达到阈值后强制置为 FAILED（绕过迁移表但不覆盖终态）
func (o *Order) ForceFail(reason string, ts time.Time) bool {
	if o.State.IsTerminal() {
		return false
	}
	o.State = StateFailed
	o.UpdatedAt = ts
	o.pendingEvents = append(o.pendingEvents, &events.OrderFailureEvent{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		Reason:          reason,
		Timestamp:       ts,
	})
	return true
}

// RegisterFill 注册一笔成交
//
// 按 trade id 幂等：任一通道的重复投递只入账一次。
// 新成交会入队一条 OrderFilledEvent，并把非终态订单推进到 PARTIALLY_FILLED。
func (o *Order) RegisterFill(f Fill) bool {
	if !o.ledger.Add(f) {
		return false
	}
	o.pendingEvents = append(o.pendingEvents, &events.OrderFilledEvent{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		Side:            string(o.Side),
		TradeID:         f.TradeID,
		FillAmount:      f.Amount,
		FillPrice:       f.Price,
		FillQuoteAmount: f.QuoteAmount,
		Fee:             f.Fee,
		Timestamp:       f.Timestamp,
	})
	if !o.State.IsTerminal() && o.ledger.ExecutedBase().LessThan(o.Amount) {
		if o.State == StateOpen || o.State == StatePartiallyFilled {
			o.State = StatePartiallyFilled
		}
	}
	if !f.Timestamp.IsZero() {
		o.UpdatedAt = f.Timestamp
	}
	return true
}

// IsCompletionReady 完成门控
//
// 关键正确性规则：只有当 (1) 状态通道确认了全部成交量、(2) 账本已经
// 收齐了与之相等的成交记录、(3) 两者都等于订单总量、(4) 完成事件尚未
// 发出时，才允许发出完成事件。状态通道说 filled 但 fill 还没到齐时，
// 提前发事件会带着低估的 quote/fee，这正是本引擎要消灭的缺陷。
func (o *Order) IsCompletionReady() bool {
	if o.completionEmitted {
		return false
	}
	executed := o.ledger.ExecutedBase()
	if o.State != StateFilled && executed.LessThan(o.Amount) {
		return false
	}
	return executed.Equal(o.lastStatusExecutedBase) && executed.Equal(o.Amount)
}

// CompletionEventIfReady 门控通过时发出恰好一次的完成事件
//
// 数量/费用取账本累计值（权威记账来源），即使状态通道的汇总与之不一致。
func (o *Order) CompletionEventIfReady(ts time.Time) events.Event {
	if !o.IsCompletionReady() {
		return nil
	}
	o.completionEmitted = true
	o.State = StateFilled
	if ts.IsZero() {
		ts = time.Now()
	}
	o.UpdatedAt = ts

	if o.Side == SideBuy {
		ev := &events.BuyOrderCompletedEvent{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			TradingPair:     o.TradingPair,
			BaseExecuted:    o.ledger.ExecutedBase(),
			QuoteExecuted:   o.ledger.ExecutedQuote(),
			FeePaid:         o.ledger.FeePaid(),
			Timestamp:       ts,
		}
		o.pendingEvents = append(o.pendingEvents, ev)
		return ev
	}
	ev := &events.SellOrderCompletedEvent{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		BaseExecuted:    o.ledger.ExecutedBase(),
		QuoteExecuted:   o.ledger.ExecutedQuote(),
		FeePaid:         o.ledger.FeePaid(),
		Timestamp:       ts,
	}
	o.pendingEvents = append(o.pendingEvents, ev)
	return ev
}

// CompletionEmitted 完成事件是否已发出
func (o *Order) CompletionEmitted() bool { return o.completionEmitted }

// DrainPendingEvents 取走并清空待发事件（由 Tracker 在订单锁外派发）
func (o *Order) DrainPendingEvents() []events.Event {
	evts := o.pendingEvents
	o.pendingEvents = nil
	return evts
}

// ExecutedBase 账本累计成交基础资产数量
func (o *Order) ExecutedBase() decimal.Decimal { return o.ledger.ExecutedBase() }

// ExecutedQuote 账本累计成交计价资产数量
func (o *Order) ExecutedQuote() decimal.Decimal { return o.ledger.ExecutedQuote() }

// FeePaid 账本累计手续费
func (o *Order) FeePaid() decimal.Decimal { return o.ledger.FeePaid() }

// LastStatusExecutedBase 状态通道最近汇报的累计成交量
func (o *Order) LastStatusExecutedBase() decimal.Decimal { return o.lastStatusExecutedBase }

// HasFill 指定 trade id 是否已入账
func (o *Order) HasFill(tradeID string) bool { return o.ledger.Has(tradeID) }

// AmountRemaining 剩余未成交数量（不会为负）
func (o *Order) AmountRemaining() decimal.Decimal {
	rem := o.Amount.Sub(o.ledger.ExecutedBase())
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// ReservedBalance 该订单占用的保证余额
// 买单占用计价资产（price * remaining），卖单占用基础资产（remaining）
func (o *Order) ReservedBalance() decimal.Decimal {
	if o.State.IsTerminal() {
		return decimal.Zero
	}
	if o.Side == SideBuy {
		return o.Price.Mul(o.AmountRemaining())
	}
	return o.AmountRemaining()
}

// OrderSnapshot 订单只读快照（视图读取与持久化共用）
type OrderSnapshot struct {
	ClientOrderID          string          `json:"client_order_id"`
	ExchangeOrderID        string          `json:"exchange_order_id,omitempty"`
	TradingPair            string          `json:"trading_pair"`
	Side                   Side            `json:"side"`
	Kind                   OrderKind       `json:"kind"`
	Price                  decimal.Decimal `json:"price"`
	Amount                 decimal.Decimal `json:"amount"`
	State                  OrderState      `json:"state"`
	ExecutedBase           decimal.Decimal `json:"executed_base"`
	ExecutedQuote          decimal.Decimal `json:"executed_quote"`
	FeePaid                decimal.Decimal `json:"fee_paid"`
	LastStatusExecutedBase decimal.Decimal `json:"last_status_executed_base"`
	CompletionEmitted      bool            `json:"completion_emitted"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	Fills                  []Fill          `json:"fills,omitempty"`
}

// Snapshot 生成只读快照（调用方需持有该订单的串行化锁）
func (o *Order) Snapshot() OrderSnapshot {
	return OrderSnapshot{
		ClientOrderID:          o.ClientOrderID,
		ExchangeOrderID:        o.ExchangeOrderID,
		TradingPair:            o.TradingPair,
		Side:                   o.Side,
		Kind:                   o.Kind,
		Price:                  o.Price,
		Amount:                 o.Amount,
		State:                  o.State,
		ExecutedBase:           o.ledger.ExecutedBase(),
		ExecutedQuote:          o.ledger.ExecutedQuote(),
		FeePaid:                o.ledger.FeePaid(),
		LastStatusExecutedBase: o.lastStatusExecutedBase,
		CompletionEmitted:      o.completionEmitted,
		CreatedAt:              o.CreatedAt,
		UpdatedAt:              o.UpdatedAt,
		Fills:                  o.ledger.Fills(),
	}
}

// RestoreOrder 从快照重建订单（账本完整恢复后才允许继续对账）
func RestoreOrder(s OrderSnapshot) *Order {
	o := &Order{
		ClientOrderID:          s.ClientOrderID,
		ExchangeOrderID:        s.ExchangeOrderID,
		TradingPair:            s.TradingPair,
		Side:                   s.Side,
		Kind:                   s.Kind,
		Price:                  s.Price,
		Amount:                 s.Amount,
		State:                  s.State,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
		ledger:                 NewFillLedger(),
		lastStatusExecutedBase: s.LastStatusExecutedBase,
		completionEmitted:      s.CompletionEmitted,
	}
	o.ledger.Restore(s.Fills)
	return o
}
