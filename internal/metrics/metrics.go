package metrics

import "expvar"

var (
	// 推送通道
	StreamMessages     = expvar.NewInt("stream_messages")
	StreamDecodeErrors = expvar.NewInt("stream_decode_errors")
	StreamDrops        = expvar.NewInt("stream_drops")

	// Tracker
	OrderUpdates        = expvar.NewInt("tracker_order_updates")
	TradeUpdates        = expvar.NewInt("tracker_trade_updates")
	UnknownOrderUpdates = expvar.NewInt("tracker_unknown_order_updates")
	FillsRegistered     = expvar.NewInt("tracker_fills_registered")
	DuplicateFills      = expvar.NewInt("tracker_duplicate_fills")
	RecreatedFills      = expvar.NewInt("tracker_recreated_fills")
	CompletionEvents    = expvar.NewInt("tracker_completion_events")
	StateViolations     = expvar.NewInt("tracker_state_violations")
	NotFoundEscalations = expvar.NewInt("tracker_not_found_escalations")
	LostOrders          = expvar.NewInt("tracker_lost_orders")

	// 对账循环
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileErrors = expvar.NewInt("reconcile_errors")

	// 快照
	SnapshotSaves = expvar.NewInt("snapshot_saves")
	SnapshotLoads = expvar.NewInt("snapshot_loads")
)
