package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnect/internal/events"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestOrder() *Order {
	return NewOrder("c-1", "BTC-USDT", SideBuy, OrderKindLimit, d("100"), d("10"))
}

func openUpdate(executed string) OrderUpdate {
	return OrderUpdate{
		ClientOrderID:        "c-1",
		ExchangeOrderID:      "x-1",
		TradingPair:          "BTC-USDT",
		NewState:             StateOpen,
		ReportedExecutedBase: d(executed),
		Timestamp:            time.Now(),
	}
}

func fill(tradeID, amount, price string) Fill {
	a := d(amount)
	p := d(price)
	return Fill{
		TradeID:     tradeID,
		Amount:      a,
		Price:       p,
		QuoteAmount: a.Mul(p),
		Fee:         d("0.1"),
		Timestamp:   time.Now(),
	}
}

func TestApplyStatusUpdateAssignsExchangeIDOnce(t *testing.T) {
	o := newTestOrder()

	res, err := o.ApplyStatusUpdate(openUpdate("0"))
	if err != nil {
		t.Fatalf("应用 OPEN 更新失败: %v", err)
	}
	if !res.AssignedExchangeID {
		t.Fatal("首次更新应当赋值 exchange order id")
	}
	if o.ExchangeOrderID != "x-1" {
		t.Fatalf("exchange order id = %s, 期望 x-1", o.ExchangeOrderID)
	}

	// 相同 id 再次出现是合法的
	if _, err := o.ApplyStatusUpdate(openUpdate("0")); err != nil {
		t.Fatalf("相同 exchange id 的重复更新不应失败: %v", err)
	}

	// 不同 id 必须整条拒绝，状态不得变化
	u := openUpdate("3")
	u.ExchangeOrderID = "x-2"
	u.NewState = StatePartiallyFilled
	if _, err := o.ApplyStatusUpdate(u); !errors.Is(err, ErrExchangeOrderIDConflict) {
		t.Fatalf("期望 ErrExchangeOrderIDConflict, 实际 %v", err)
	}
	if o.State != StateOpen {
		t.Fatalf("冲突更新不得改变状态, 实际 %s", o.State)
	}
	if !o.LastStatusExecutedBase().IsZero() {
		t.Fatal("冲突更新不得推进 lastStatusExecutedBase")
	}
}

func TestApplyStatusUpdateRejectsBackwardTransition(t *testing.T) {
	o := newTestOrder()
	if _, err := o.ApplyStatusUpdate(openUpdate("0")); err != nil {
		t.Fatalf("OPEN 更新失败: %v", err)
	}

	u := openUpdate("10")
	u.NewState = StateFilled
	if _, err := o.ApplyStatusUpdate(u); err != nil {
		t.Fatalf("FILLED 更新失败: %v", err)
	}

	// 过期轮询结果：FILLED -> OPEN 必须拒绝
	if _, err := o.ApplyStatusUpdate(openUpdate("10")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("期望 ErrInvalidTransition, 实际 %v", err)
	}
	if o.State != StateFilled {
		t.Fatalf("状态被回退为 %s", o.State)
	}
}

func TestApplyStatusUpdateSameStateIsNoOp(t *testing.T) {
	o := newTestOrder()
	if _, err := o.ApplyStatusUpdate(openUpdate("0")); err != nil {
		t.Fatalf("OPEN 更新失败: %v", err)
	}
	res, err := o.ApplyStatusUpdate(openUpdate("0"))
	if err != nil {
		t.Fatalf("同状态重复更新不应报错: %v", err)
	}
	if res.StateChanged {
		t.Fatal("同状态更新不应标记 StateChanged")
	}
}

func TestReportedExecutedBaseMonotonic(t *testing.T) {
	o := newTestOrder()
	if _, err := o.ApplyStatusUpdate(openUpdate("5")); err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	// 乱序到达的更小值不得回退
	if _, err := o.ApplyStatusUpdate(openUpdate("3")); err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	if !o.LastStatusExecutedBase().Equal(d("5")) {
		t.Fatalf("lastStatusExecutedBase = %s, 期望 5", o.LastStatusExecutedBase())
	}
}

func TestRegisterFillIdempotent(t *testing.T) {
	o := newTestOrder()
	if _, err := o.ApplyStatusUpdate(openUpdate("0")); err != nil {
		t.Fatalf("OPEN 更新失败: %v", err)
	}

	if !o.RegisterFill(fill("t-1", "4", "100")) {
		t.Fatal("首次成交应当入账")
	}
	if o.RegisterFill(fill("t-1", "4", "100")) {
		t.Fatal("重复 trade id 不得再次入账")
	}
	if !o.ExecutedBase().Equal(d("4")) {
		t.Fatalf("ExecutedBase = %s, 期望 4", o.ExecutedBase())
	}
	if o.State != StatePartiallyFilled {
		t.Fatalf("部分成交后状态 = %s, 期望 partially_filled", o.State)
	}

	evts := o.DrainPendingEvents()
	fillEvents := 0
	for _, ev := range evts {
		if _, ok := ev.(*events.OrderFilledEvent); ok {
			fillEvents++
		}
	}
	if fillEvents != 1 {
		t.Fatalf("成交事件数 = %d, 期望 1", fillEvents)
	}
}

func TestCompletionGatingStatusFirst(t *testing.T) {
	o := newTestOrder()
	if _, err := o.ApplyStatusUpdate(openUpdate("0")); err != nil {
		t.Fatalf("OPEN 更新失败: %v", err)
	}

	// 状态通道先说 filled，但账本还没收齐：不得发完成事件
	u := openUpdate("10")
	u.NewState = StateFilled
	if _, err := o.ApplyStatusUpdate(u); err != nil {
		t.Fatalf("FILLED 更新失败: %v", err)
	}
	if o.IsCompletionReady() {
		t.Fatal("账本未收齐时完成门控不得通过")
	}
	if ev := o.CompletionEventIfReady(time.Now()); ev != nil {
		t.Fatal("门控未通过时不得发出完成事件")
	}

	o.RegisterFill(fill("t-1", "6", "100"))
	if o.IsCompletionReady() {
		t.Fatal("账本只收到 6/10 时门控不得通过")
	}

	o.RegisterFill(fill("t-2", "4", "100"))
	if !o.IsCompletionReady() {
		t.Fatal("账本收齐后门控应当通过")
	}
	ev := o.CompletionEventIfReady(time.Now())
	if ev == nil {
		t.Fatal("门控通过后应当发出完成事件")
	}
	done, ok := ev.(*events.BuyOrderCompletedEvent)
	if !ok {
		t.Fatalf("买单应发 BuyOrderCompletedEvent, 实际 %T", ev)
	}
	// 完成事件的数量/费用取账本累计值
	if !done.BaseExecuted.Equal(d("10")) || !done.QuoteExecuted.Equal(d("1000")) {
		t.Fatalf("完成事件账目错误: base=%s quote=%s", done.BaseExecuted, done.QuoteExecuted)
	}
	if !done.FeePaid.Equal(d("0.2")) {
		t.Fatalf("FeePaid = %s, 期望 0.2", done.FeePaid)
	}

	// 恰好一次
	if ev := o.CompletionEventIfReady(time.Now()); ev != nil {
		t.Fatal("完成事件发出了第二次")
	}
}

func TestCompletionGatingFillsFirst(t *testing.T) {
	o := NewOrder("c-2", "ETH-USDT", SideSell, OrderKindLimit, d("2000"), d("3"))
	if _, err := o.ApplyStatusUpdate(OrderUpdate{
		ClientOrderID: "c-2", ExchangeOrderID: "x-2", TradingPair: "ETH-USDT",
		NewState: StateOpen, ReportedExecutedBase: decimal.Zero, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("OPEN 更新失败: %v", err)
	}

	// 成交先到齐，状态通道还停留在 open/0：门控不得通过
	o.RegisterFill(fill("t-1", "3", "2000"))
	if o.IsCompletionReady() {
		t.Fatal("状态通道未确认前门控不得通过")
	}

	if _, err := o.ApplyStatusUpdate(OrderUpdate{
		ClientOrderID: "c-2", TradingPair: "ETH-USDT",
		NewState: StateFilled, ReportedExecutedBase: d("3"), Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("FILLED 更新失败: %v", err)
	}
	ev := o.CompletionEventIfReady(time.Now())
	if ev == nil {
		t.Fatal("两通道都确认后应当发出完成事件")
	}
	if _, ok := ev.(*events.SellOrderCompletedEvent); !ok {
		t.Fatalf("卖单应发 SellOrderCompletedEvent, 实际 %T", ev)
	}
}

func TestCancelWithPartialFillEmitsCancelEvent(t *testing.T) {
	o := newTestOrder()
	if _, err := o.ApplyStatusUpdate(openUpdate("0")); err != nil {
		t.Fatalf("OPEN 更新失败: %v", err)
	}
	o.RegisterFill(fill("t-1", "4", "100"))
	o.DrainPendingEvents()

	u := openUpdate("4")
	u.NewState = StateCanceled
	if _, err := o.ApplyStatusUpdate(u); err != nil {
		t.Fatalf("CANCELED 更新失败: %v", err)
	}

	evts := o.DrainPendingEvents()
	if len(evts) != 1 {
		t.Fatalf("事件数 = %d, 期望 1", len(evts))
	}
	cancelled, ok := evts[0].(*events.OrderCancelledEvent)
	if !ok {
		t.Fatalf("期望 OrderCancelledEvent, 实际 %T", evts[0])
	}
	if !cancelled.BaseExecuted.Equal(d("4")) {
		t.Fatalf("取消事件应带已成交量 4, 实际 %s", cancelled.BaseExecuted)
	}
	// 部分成交后取消的订单永远不发完成事件
	if o.IsCompletionReady() {
		t.Fatal("取消的订单不得通过完成门控")
	}
}

func TestForceFail(t *testing.T) {
	o := newTestOrder()
	if !o.ForceFail("order not found on exchange after 3 consecutive lookups", time.Now()) {
		t.Fatal("非终态订单 ForceFail 应当成功")
	}
	if o.State != StateFailed {
		t.Fatalf("状态 = %s, 期望 failed", o.State)
	}
	evts := o.DrainPendingEvents()
	if len(evts) != 1 {
		t.Fatalf("事件数 = %d, 期望 1", len(evts))
	}
	if _, ok := evts[0].(*events.OrderFailureEvent); !ok {
		t.Fatalf("期望 OrderFailureEvent, 实际 %T", evts[0])
	}
	// 终态不可重复 ForceFail
	if o.ForceFail("again", time.Now()) {
		t.Fatal("终态订单 ForceFail 应当失败")
	}
}

func TestForceFailedOrderStillAcceptsLateFills(t *testing.T) {
	o := newTestOrder()
	o.ApplyStatusUpdate(openUpdate("0"))
	o.ForceFail("order not found", time.Now())
	o.DrainPendingEvents()

	// 丢失订单的迟到成交仍然入账
	if !o.RegisterFill(fill("t-1", "10", "100")) {
		t.Fatal("丢失订单的迟到成交应当入账")
	}
	if o.State != StateFailed {
		t.Fatalf("入账不得改变终态, 实际 %s", o.State)
	}

	// 账本与状态通道都确认后，完成门控仍然生效
	o.lastStatusExecutedBase = d("10")
	if !o.IsCompletionReady() {
		t.Fatal("全量成交的丢失订单应当通过完成门控")
	}
	ev := o.CompletionEventIfReady(time.Now())
	if ev == nil {
		t.Fatal("应当发出完成事件")
	}
	if o.State != StateFilled {
		t.Fatalf("完成后状态 = %s, 期望 filled", o.State)
	}
}

func TestAmountRemainingAndReservedBalance(t *testing.T) {
	o := newTestOrder()
	o.ApplyStatusUpdate(openUpdate("0"))

	if !o.AmountRemaining().Equal(d("10")) {
		t.Fatalf("AmountRemaining = %s, 期望 10", o.AmountRemaining())
	}
	// 买单占用计价资产 price * remaining
	if !o.ReservedBalance().Equal(d("1000")) {
		t.Fatalf("ReservedBalance = %s, 期望 1000", o.ReservedBalance())
	}

	o.RegisterFill(fill("t-1", "4", "100"))
	if !o.AmountRemaining().Equal(d("6")) {
		t.Fatalf("AmountRemaining = %s, 期望 6", o.AmountRemaining())
	}
	if !o.ReservedBalance().Equal(d("600")) {
		t.Fatalf("ReservedBalance = %s, 期望 600", o.ReservedBalance())
	}

	sell := NewOrder("c-3", "BTC-USDT", SideSell, OrderKindLimit, d("100"), d("10"))
	// 卖单占用基础资产
	if !sell.ReservedBalance().Equal(d("10")) {
		t.Fatalf("卖单 ReservedBalance = %s, 期望 10", sell.ReservedBalance())
	}

	u := openUpdate("4")
	u.NewState = StateCanceled
	o.ApplyStatusUpdate(u)
	if !o.ReservedBalance().IsZero() {
		t.Fatal("终态订单不占用余额")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	o := newTestOrder()
	o.ApplyStatusUpdate(openUpdate("4"))
	o.RegisterFill(fill("t-1", "4", "100"))
	o.DrainPendingEvents()

	r := RestoreOrder(o.Snapshot())
	if r.ClientOrderID != o.ClientOrderID || r.ExchangeOrderID != o.ExchangeOrderID {
		t.Fatal("恢复后身份字段不一致")
	}
	if r.State != o.State {
		t.Fatalf("恢复后状态 = %s, 期望 %s", r.State, o.State)
	}
	if !r.ExecutedBase().Equal(o.ExecutedBase()) || !r.ExecutedQuote().Equal(o.ExecutedQuote()) {
		t.Fatal("恢复后账本累计值不一致")
	}
	if !r.LastStatusExecutedBase().Equal(o.LastStatusExecutedBase()) {
		t.Fatal("恢复后 lastStatusExecutedBase 不一致")
	}
	// 恢复后的账本必须保留去重能力
	if r.RegisterFill(fill("t-1", "4", "100")) {
		t.Fatal("恢复后的账本丢失了已入账的 trade id")
	}
}
