package connector

import (
	"context"
	"errors"
	"time"

	"github.com/betbot/goconnect/internal/domain"
	"github.com/betbot/goconnect/internal/metrics"
	"github.com/betbot/goconnect/pkg/persistence"
)

// trackingSnapshot 落盘格式：全部在途订单（含账本）
type trackingSnapshot struct {
	SavedAt time.Time              `json:"saved_at"`
	Orders  []domain.OrderSnapshot `json:"orders"`
}

// Snapshotter 定期把追踪状态写入持久化存储，重启后恢复
type Snapshotter struct {
	store   persistence.Store
	tracker trackerPort
}

// NewSnapshotter 创建快照器
func NewSnapshotter(store persistence.Store, tracker trackerPort) *Snapshotter {
	return &Snapshotter{store: store, tracker: tracker}
}

// Save 立即保存一次快照
func (s *Snapshotter) Save() error {
	orders := s.tracker.AllUpdatableOrders()
	snap := trackingSnapshot{
		SavedAt: time.Now(),
		Orders:  make([]domain.OrderSnapshot, 0, len(orders)),
	}
	for _, o := range orders {
		snap.Orders = append(snap.Orders, o)
	}
	if err := s.store.Save(snap); err != nil {
		return err
	}
	metrics.SnapshotSaves.Add(1)
	return nil
}

// Restore 从存储恢复追踪状态；存储为空不算错误
// 返回恢复的订单数
func (s *Snapshotter) Restore() (int, error) {
	var snap trackingSnapshot
	if err := s.store.Load(&snap); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return 0, nil
		}
		return 0, err
	}
	metrics.SnapshotLoads.Add(1)
	return s.tracker.RestoreTrackingStates(snap.Orders), nil
}

// RunAutosave 定期保存快照直到 ctx 取消；退出前再保存一次
func (s *Snapshotter) RunAutosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				connectorLog.Errorf("退出前保存快照失败: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.Save(); err != nil {
				connectorLog.Errorf("保存快照失败: %v", err)
			}
		}
	}
}
