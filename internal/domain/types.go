package domain

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind 订单类型
type OrderKind string

const (
	OrderKindLimit    OrderKind = "limit"
	OrderKindMarket   OrderKind = "market"
	OrderKindPostOnly OrderKind = "post_only"
)

// OrderState 订单状态机状态
//
// 生命周期：PENDING_CREATE -> OPEN -> PARTIALLY_FILLED -> 终态
// 终态：FILLED / CANCELED / EXPIRED / FAILED
type OrderState string

const (
	StatePendingCreate   OrderState = "pending_create"
	StateOpen            OrderState = "open"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
	StateExpired         OrderState = "expired"
	StateFailed          OrderState = "failed"
)

// IsTerminal 是否为终态
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateExpired, StateFailed:
		return true
	}
	return false
}

// allowedTransitions 状态迁移表（from -> 允许的 to 集合）
// 终态没有出边：到达终态后向其他状态的迁移都会被拒绝
var allowedTransitions = map[OrderState]map[OrderState]bool{
	StatePendingCreate: {
		StateOpen:   true,
		StateFailed: true,
	},
	StateOpen: {
		StatePartiallyFilled: true,
		StateFilled:          true,
		StateCanceled:        true,
		StateExpired:         true,
		StateFailed:          true,
	},
	StatePartiallyFilled: {
		StatePartiallyFilled: true,
		StateFilled:          true,
		StateCanceled:        true,
		StateExpired:         true,
		StateFailed:          true,
	},
}

// CanTransition 检查 from -> to 是否为合法迁移
// 同状态重复上报（poll 周期性重复，含终态）视为合法的 no-op
func CanTransition(from, to OrderState) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}
