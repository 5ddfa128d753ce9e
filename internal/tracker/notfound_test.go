package tracker

import "testing"

func TestNotFoundPolicyEscalatesAtThreshold(t *testing.T) {
	p := NewNotFoundPolicy(3)

	for i := 1; i <= 2; i++ {
		if count, escalate := p.ObserveMiss("c-1"); escalate {
			t.Fatalf("第 %d 次 miss 不应升级 (count=%d)", i, count)
		}
	}
	count, escalate := p.ObserveMiss("c-1")
	if !escalate || count != 3 {
		t.Fatalf("第 3 次 miss 应当升级 (count=%d escalate=%v)", count, escalate)
	}
}

func TestNotFoundPolicyResetClearsCount(t *testing.T) {
	p := NewNotFoundPolicy(2)
	p.ObserveMiss("c-1")
	p.Reset("c-1")
	if _, escalate := p.ObserveMiss("c-1"); escalate {
		t.Fatal("Reset 后的第一次 miss 不应升级")
	}
	if p.Count("c-1") != 1 {
		t.Fatalf("Count = %d, 期望 1", p.Count("c-1"))
	}
}

func TestNotFoundPolicyDefaultThreshold(t *testing.T) {
	p := NewNotFoundPolicy(0)
	if p.Threshold() != DefaultNotFoundThreshold {
		t.Fatalf("Threshold = %d, 期望 %d", p.Threshold(), DefaultNotFoundThreshold)
	}
	// 各订单独立计数
	p.ObserveMiss("a")
	p.ObserveMiss("a")
	if p.Count("b") != 0 {
		t.Fatal("不同订单的计数不应互相影响")
	}
}
