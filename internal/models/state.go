package models

import "time"

// StrategySnapshot 定义了需要跨重启持久化的策略状态
type StrategySnapshot struct {
	Symbol           string    `json:"symbol"`
	Version          int       `json:"version"`            // 状态模型的版本号，用于未来迁移
	CycleActivated   bool      `json:"cycle_activated"`    // 周期激活标志
	TriggerActivated bool      `json:"trigger_activated"`  // 触发激活标志
	LastState        string    `json:"last_state"`         // 最近一次网格状态, 例如 "ACTIVE"
	LastTransitionAt time.Time `json:"last_transition_at"` // 最近一次状态切换时间
	SavedAt          time.Time `json:"saved_at"`           // 快照生成时间
}

// SnapshotVersion is the current StrategySnapshot schema version.
const SnapshotVersion = 1

// FillRecord is a single entry fill kept in the trade journal.
type FillRecord struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	OrderID    int64     `json:"order_id"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	TPPrice    float64   `json:"tp_price"`
	GridState  string    `json:"grid_state"`
	FilledAt   time.Time `json:"filled_at"`
	RecordedAt time.Time `json:"recorded_at"`
}
