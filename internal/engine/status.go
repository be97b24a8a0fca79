package engine

import (
	"time"

	"trend-grid-bot-go/internal/filter"
	"trend-grid-bot-go/internal/indicator"
	"trend-grid-bot-go/internal/models"
)

// Status is the read model served to the dashboard.
type Status struct {
	Symbol           string              `json:"symbol"`
	State            indicator.GridState `json:"state"`
	CycleActivated   bool                `json:"cycle_activated"`
	TriggerActivated bool                `json:"trigger_activated"`
	AllowTrade       bool                `json:"allow_trade"`
	Protected        bool                `json:"protected"`
	Indicator        *indicator.Snapshot `json:"indicator,omitempty"`
	OpenPositions    int                 `json:"open_positions"`
	OccupiedLevels   []float64           `json:"occupied_levels"`
	PendingLevels    int                 `json:"pending_levels"`
	PendingCancels   int                 `json:"pending_cancels"`
	Filters          []filter.State      `json:"filters"`
	LastTransitionAt time.Time           `json:"last_transition_at"`
	LastEvaluatedAt  time.Time           `json:"last_evaluated_at"`
}

// Status returns a copy of the latest evaluation together with the live flags.
func (e *Engine) Status() Status {
	act := e.strategy.Activation()
	filters := e.registry.States()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Symbol:           e.symbol,
		State:            act.LastState,
		CycleActivated:   act.CycleActivated,
		TriggerActivated: act.TriggerActivated,
		Filters:          filters,
		LastTransitionAt: e.lastTransitionAt,
		LastEvaluatedAt:  e.lastEvaluatedAt,
	}
	if e.last != nil {
		// WAIT from an unavailable indicator is reported, the activation keeps its own state
		st.State = e.last.State
		st.AllowTrade = e.last.AllowTrade
		st.Protected = e.last.Protected
		st.OpenPositions = e.last.OpenPositions
		st.OccupiedLevels = append([]float64(nil), e.last.Occupied...)
		st.PendingLevels = len(e.last.LevelsToCreate)
		st.PendingCancels = len(e.last.OrdersToCancel)
		if e.last.Indicator != nil {
			snap := *e.last.Indicator
			st.Indicator = &snap
		}
	}
	return st
}

// NoteCancelled marks orders cancelled outside a decision, such as by the
// filter cancel callback, so their disappearance is not read as a fill.
func (e *Engine) NoteCancelled(orderIDs ...int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range orderIDs {
		e.lastCancels[id] = struct{}{}
	}
}

// NotePlaced records LIMIT orders sent after the latest decision, so one that
// fills before the next snapshot is still detected as a fill.
func (e *Engine) NotePlaced(orders ...models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range orders {
		if o.IsLimit() && o.OrderID != 0 {
			e.lastLimits[o.OrderID] = o
		}
	}
}
