package tracker

import "sync"

// DefaultNotFoundThreshold 默认连续 not-found 阈值
const DefaultNotFoundThreshold = 3

// NotFoundPolicy 每订单的 not-found 计数器
//
// 交易所的最终一致性会让刚下的订单对 GET 短暂不可见，
// 所以单次 not-found 不能作为失败依据：连续 threshold 次才升级，
// 任何一次正面确认（状态或成交）都会清零计数。
type NotFoundPolicy struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
}

// NewNotFoundPolicy 创建 not-found 策略；threshold <= 0 时使用默认值
func NewNotFoundPolicy(threshold int) *NotFoundPolicy {
	if threshold <= 0 {
		threshold = DefaultNotFoundThreshold
	}
	return &NotFoundPolicy{
		threshold: threshold,
		counts:    make(map[string]int),
	}
}

// ObserveMiss 记录一次 not-found，返回当前计数以及是否达到升级阈值
func (p *NotFoundPolicy) ObserveMiss(clientOrderID string) (count int, escalate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[clientOrderID]++
	count = p.counts[clientOrderID]
	return count, count >= p.threshold
}

// Reset 正面确认后清零计数
func (p *NotFoundPolicy) Reset(clientOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, clientOrderID)
}

// Forget 订单停止追踪后清理计数
func (p *NotFoundPolicy) Forget(clientOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, clientOrderID)
}

// Count 当前计数（测试与诊断用）
func (p *NotFoundPolicy) Count(clientOrderID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[clientOrderID]
}

// Threshold 升级阈值
func (p *NotFoundPolicy) Threshold() int { return p.threshold }
