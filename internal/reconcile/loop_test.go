package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/ports"
)

// fakeSource 按交易对返回预设结果
type fakeSource struct {
	mu      sync.Mutex
	results map[string]*ports.PollResult
	errs    map[string]error
	calls   map[string]int
	since   map[string]time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		results: make(map[string]*ports.PollResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
		since:   make(map[string]time.Time),
	}
}

func (f *fakeSource) PollPair(ctx context.Context, pair string, since time.Time) (*ports.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[pair]++
	f.since[pair] = since
	if err := f.errs[pair]; err != nil {
		return nil, err
	}
	if res := f.results[pair]; res != nil {
		return res, nil
	}
	return &ports.PollResult{}, nil
}

// fakeSink 收集送达的更新
type fakeSink struct {
	mu        sync.Mutex
	orders    []domain.OrderUpdate
	trades    []domain.TradeUpdate
	notFound  []string
	active    []string
	hasActive bool
}

func (s *fakeSink) ProcessOrderUpdate(ctx context.Context, u domain.OrderUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, u)
}

func (s *fakeSink) ProcessTradeUpdate(ctx context.Context, u domain.TradeUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, u)
}

func (s *fakeSink) ProcessOrderNotFound(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notFound = append(s.notFound, id)
}

func (s *fakeSink) ActivePairs() []string { return s.active }
func (s *fakeSink) HasActiveOrders() bool { return s.hasActive }

func TestPollPairsFailureIsolation(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{}
	loop := NewLoop(Config{Pairs: []string{"A-USDT", "B-USDT"}}, src, sink)

	src.results["A-USDT"] = &ports.PollResult{
		OrderUpdates: []domain.OrderUpdate{{
			ClientOrderID: "c-1", TradingPair: "A-USDT",
			NewState: domain.StateOpen, ReportedExecutedBase: decimal.Zero,
		}},
		NotFound: []string{"c-gone"},
	}
	// B 对失败不得影响 A 对的结果送达
	src.errs["B-USDT"] = errors.New("exchange unavailable")

	loop.pollPairs(context.Background(), []string{"A-USDT", "B-USDT"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.orders) != 1 || sink.orders[0].ClientOrderID != "c-1" {
		t.Fatalf("A 对的状态更新未送达: %+v", sink.orders)
	}
	if len(sink.notFound) != 1 || sink.notFound[0] != "c-gone" {
		t.Fatalf("A 对的 not-found 未送达: %v", sink.notFound)
	}
}

func TestPollWindowAdvancesOnlyOnSuccess(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{}
	loop := NewLoop(Config{}, src, sink)

	// 第一轮成功：窗口被固定下来
	loop.pollOne(context.Background(), "A-USDT")
	seeded := loop.windowStart("A-USDT")

	// 失败的轮次不推进窗口：漏掉的成交下一轮还会查到
	src.errs["A-USDT"] = errors.New("timeout")
	loop.pollOne(context.Background(), "A-USDT")
	if !src.since["A-USDT"].Equal(seeded) {
		t.Fatal("失败轮次使用的窗口起点应当等于上次成功值")
	}
	if !loop.windowStart("A-USDT").Equal(seeded) {
		t.Fatal("失败后窗口起点不应推进")
	}

	// 成功后窗口推进
	delete(src.errs, "A-USDT")
	time.Sleep(10 * time.Millisecond)
	loop.pollOne(context.Background(), "A-USDT")
	if !loop.windowStart("A-USDT").After(seeded) {
		t.Fatal("成功后窗口起点应当推进")
	}
}

func TestRunShortGatedOnActiveOrders(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{hasActive: false, active: []string{"A-USDT"}}
	loop := NewLoop(Config{}, src, sink)

	loop.runShort(context.Background(), time.Now())
	if len(src.calls) != 0 {
		t.Fatal("无活跃订单时短周期不应发起轮询")
	}

	sink.hasActive = true
	loop.runShort(context.Background(), time.Now())
	if src.calls["A-USDT"] != 1 {
		t.Fatalf("A-USDT 轮询次数 = %d, 期望 1", src.calls["A-USDT"])
	}
}

func TestRunLongPollsAllConfiguredPairs(t *testing.T) {
	src := newFakeSource()
	// 长周期不看活跃订单，扫全部配置交易对
	sink := &fakeSink{hasActive: false}
	loop := NewLoop(Config{Pairs: []string{"A-USDT", "B-USDT"}}, src, sink)

	loop.runLong(context.Background(), time.Now())
	if src.calls["A-USDT"] != 1 || src.calls["B-USDT"] != 1 {
		t.Fatalf("长周期轮询次数: %v, 期望每对各 1", src.calls)
	}
}

func TestNudgeTriggersImmediatePass(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{hasActive: true, active: []string{"A-USDT"}}
	loop := NewLoop(Config{ShortInterval: time.Hour, LongInterval: 2 * time.Hour}, src, sink)
	// 把长周期时间戳拨到现在，避免 Run 启动时立即触发长周期
	loop.lastLong = time.Now()
	loop.lastShort = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	loop.Nudge()

	deadline := time.After(2 * time.Second)
	for {
		src.mu.Lock()
		n := src.calls["A-USDT"]
		src.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Nudge 未触发立即对账")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
