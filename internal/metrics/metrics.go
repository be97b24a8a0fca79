// Package metrics exposes the bot's Prometheus series:
//
//	gridbot_ticks_total{result}              evaluation ticks (ok|indicator_unavailable|error)
//	gridbot_grid_state{state}                1 for the current state, 0 otherwise
//	gridbot_allow_trade                      entry gate of the last tick
//	gridbot_order_protection                 1 while trend cancels are suppressed
//	gridbot_proposed_levels                  levels proposed on the last tick
//	gridbot_open_positions                   positions counted on the last tick
//	gridbot_cancellations_total{reason}      cancel recommendations by reason
//	gridbot_orders_total{type,result}        order placements (placed|failed)
//	gridbot_fills_total                      entry fills detected
//	gridbot_filter_enabled{filter}           filter switches
//	gridbot_price                            last price used
package metrics

import (
	"net/http"

	"trend-grid-bot-go/internal/engine"
	"trend-grid-bot-go/internal/filter"
	"trend-grid-bot-go/internal/indicator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var allStates = []indicator.GridState{
	indicator.StateWait,
	indicator.StateActivate,
	indicator.StateActive,
	indicator.StatePause,
	indicator.StateInactive,
}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks          *prometheus.CounterVec
	gridState      *prometheus.GaugeVec
	allowTrade     prometheus.Gauge
	protection     prometheus.Gauge
	proposedLevels prometheus.Gauge
	openPositions  prometheus.Gauge
	cancellations  *prometheus.CounterVec
	orders         *prometheus.CounterVec
	fills          prometheus.Counter
	filterEnabled  *prometheus.GaugeVec
	price          prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gridbot_ticks_total", Help: "Evaluation ticks by result"},
			[]string{"result"},
		),
		gridState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gridbot_grid_state", Help: "Current MACD grid state (one labeled series per state)"},
			[]string{"state"},
		),
		allowTrade: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gridbot_allow_trade", Help: "Whether the last tick allowed new entries"},
		),
		protection: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gridbot_order_protection", Help: "Whether trend cancellation was suppressed on the last tick"},
		),
		proposedLevels: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gridbot_proposed_levels", Help: "Grid levels proposed on the last tick"},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gridbot_open_positions", Help: "Open grid positions counted on the last tick"},
		),
		cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gridbot_cancellations_total", Help: "Cancel recommendations by reason"},
			[]string{"reason"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gridbot_orders_total", Help: "Order placements by type and result"},
			[]string{"type", "result"},
		),
		fills: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "gridbot_fills_total", Help: "Entry fills detected"},
		),
		filterEnabled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gridbot_filter_enabled", Help: "Filter switches"},
			[]string{"filter"},
		),
		price: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gridbot_price", Help: "Last price used for evaluation"},
		),
	}
	m.registry.MustRegister(
		m.ticks, m.gridState, m.allowTrade, m.protection, m.proposedLevels, m.openPositions,
		m.cancellations, m.orders, m.fills, m.filterEnabled, m.price,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision records one engine tick.
func (m *Metrics) ObserveDecision(d engine.Decision, price float64) {
	if d.Indicator == nil {
		m.ticks.WithLabelValues("indicator_unavailable").Inc()
	} else {
		m.ticks.WithLabelValues("ok").Inc()
	}
	for _, s := range allStates {
		v := 0.0
		if s == d.State {
			v = 1
		}
		m.gridState.WithLabelValues(s.String()).Set(v)
	}
	m.allowTrade.Set(boolValue(d.AllowTrade))
	m.protection.Set(boolValue(d.Protected))
	m.proposedLevels.Set(float64(len(d.LevelsToCreate)))
	m.openPositions.Set(float64(d.OpenPositions))
	for _, c := range d.OrdersToCancel {
		m.cancellations.WithLabelValues(string(c.Reason)).Inc()
	}
	for _, ev := range d.Events {
		if ev.Type == engine.EventOrderFilled {
			m.fills.Inc()
		}
	}
	if price > 0 {
		m.price.Set(price)
	}
}

// TickFailed counts a tick aborted before the engine ran.
func (m *Metrics) TickFailed() {
	m.ticks.WithLabelValues("error").Inc()
}

// ObserveOrder counts one placement attempt.
func (m *Metrics) ObserveOrder(orderType string, err error) {
	result := "placed"
	if err != nil {
		result = "failed"
	}
	m.orders.WithLabelValues(orderType, result).Inc()
}

// ObserveFilters mirrors the registry switches.
func (m *Metrics) ObserveFilters(states []filter.State) {
	for _, s := range states {
		m.filterEnabled.WithLabelValues(s.Name).Set(boolValue(s.Enabled))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
