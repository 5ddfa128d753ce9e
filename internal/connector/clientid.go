package connector

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/goconnect/internal/domain"
)

// IDSource 生成本实例唯一的 client order id
//
// id 里混入实例指纹：多实例共用一个账户时，每个实例能从全量
// 订单里认出自己下的单；nonce 保证同一毫秒内的 id 也不重复。
type IDSource struct {
	prefix      string
	fingerprint string
	nonce       atomic.Uint64
}

// NewIDSource 创建 id 生成器；prefix 区分业务线，可为空
func NewIDSource(prefix string) *IDSource {
	fp := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &IDSource{
		prefix:      prefix,
		fingerprint: fp,
	}
}

// NextID 生成下一个 client order id
func (s *IDSource) NextID(side domain.Side) string {
	sideChar := "b"
	if side == domain.SideSell {
		sideChar = "s"
	}
	n := s.nonce.Add(1)
	ts := time.Now().UnixMilli()
	if s.prefix != "" {
		return fmt.Sprintf("%s-%s-%s-%d-%d", s.prefix, sideChar, s.fingerprint, ts, n)
	}
	return fmt.Sprintf("%s-%s-%d-%d", sideChar, s.fingerprint, ts, n)
}

// Owns 判断一个 client order id 是否由本实例生成
func (s *IDSource) Owns(clientOrderID string) bool {
	return strings.Contains(clientOrderID, s.fingerprint)
}
