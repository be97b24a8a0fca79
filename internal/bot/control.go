package bot

import (
	"time"

	"trend-grid-bot-go/internal/engine"
	"trend-grid-bot-go/internal/filter"
	"trend-grid-bot-go/internal/statemanager"

	"go.uber.org/zap"
)

// StatusView 控制接口返回的运行状态
type StatusView struct {
	engine.Status
	Price       float64                   `json:"price"`
	Running     bool                      `json:"running"`
	Transitions []statemanager.Transition `json:"transitions"`
}

func (b *GridTradingBot) Status() StatusView {
	return StatusView{
		Status:      b.engine.Status(),
		Price:       b.LastPrice(),
		Running:     b.IsRunning(),
		Transitions: b.state.RecentTransitions(),
	}
}

func (b *GridTradingBot) Filters() []filter.State {
	return b.registry.States()
}

// Activate 手动激活周期. INACTIVE 期间被拒绝.
func (b *GridTradingBot) Activate() bool {
	ok := b.engine.ManualActivate()
	b.afterOverride("activate", ok)
	return ok
}

// Deactivate 手动关闭周期, 总是成功.
func (b *GridTradingBot) Deactivate() bool {
	ok := b.engine.ManualDeactivate()
	b.afterOverride("deactivate", ok)
	return ok
}

func (b *GridTradingBot) SetTrigger(on bool) bool {
	ok := b.engine.SetTrigger(on)
	b.afterOverride("trigger", ok)
	return ok
}

func (b *GridTradingBot) afterOverride(action string, accepted bool) {
	if !accepted {
		b.logger.Warn("手动操作被拒绝", zap.String("action", action))
		return
	}
	b.persistSnapshot()
}

func (b *GridTradingBot) persistSnapshot() {
	now := time.Now()
	b.state.DispatchEvent(statemanager.NormalizedEvent{
		Type:      statemanager.SnapshotUpdatedEvent,
		Timestamp: now,
		Data:      statemanager.SnapshotUpdatedEventData{Snapshot: b.engine.Snapshot(now)},
	})
}

// EnableFilter 启用过滤器. 若因此阻止开仓, 注册表回调会同步撤销挂单.
func (b *GridTradingBot) EnableFilter(name string) (bool, error) {
	blocked, err := b.engine.EnableFilter(name)
	if err != nil {
		return false, err
	}
	b.observeFilters()
	return blocked, nil
}

func (b *GridTradingBot) DisableFilter(name string) error {
	if err := b.engine.DisableFilter(name); err != nil {
		return err
	}
	b.observeFilters()
	return nil
}

func (b *GridTradingBot) EnableAllFilters() bool {
	blocked := b.engine.EnableAllFilters()
	b.observeFilters()
	return blocked
}

func (b *GridTradingBot) DisableAllFilters() {
	b.engine.DisableAllFilters()
	b.observeFilters()
}

func (b *GridTradingBot) observeFilters() {
	if b.metrics != nil {
		b.metrics.ObserveFilters(b.registry.States())
	}
}
