package connector

import (
	"strings"
	"testing"

	"github.com/betbot/goconnect/internal/domain"
)

func TestNextIDUnique(t *testing.T) {
	src := NewIDSource("paperx")
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := src.NextID(domain.SideBuy)
		if seen[id] {
			t.Fatalf("重复的 client order id: %s", id)
		}
		seen[id] = true
	}
}

func TestNextIDEncodesSideAndPrefix(t *testing.T) {
	src := NewIDSource("paperx")
	buy := src.NextID(domain.SideBuy)
	sell := src.NextID(domain.SideSell)

	if !strings.HasPrefix(buy, "paperx-b-") {
		t.Fatalf("买单 id 前缀错误: %s", buy)
	}
	if !strings.HasPrefix(sell, "paperx-s-") {
		t.Fatalf("卖单 id 前缀错误: %s", sell)
	}
}

func TestOwnsRecognizesOwnIDs(t *testing.T) {
	a := NewIDSource("")
	b := NewIDSource("")

	id := a.NextID(domain.SideBuy)
	if !a.Owns(id) {
		t.Fatal("实例认不出自己生成的 id")
	}
	// 不同实例指纹不同（uuid 冲突概率可忽略）
	if b.Owns(id) {
		t.Fatal("其他实例不应认领这个 id")
	}
}
