package engine

import (
	"time"

	"trend-grid-bot-go/internal/indicator"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventStateChanged EventType = "STATE_CHANGED"
	EventOrderFilled  EventType = "ORDER_FILLED"
)

// Event is emitted by Evaluate. StateChanged fills From/To, OrderFilled fills
// the order fields.
type Event struct {
	Type     EventType           `json:"type"`
	From     indicator.GridState `json:"from,omitempty"`
	To       indicator.GridState `json:"to,omitempty"`
	OrderID  int64               `json:"order_id,omitempty"`
	Price    float64             `json:"price,omitempty"`
	Quantity float64             `json:"quantity,omitempty"`
	At       time.Time           `json:"at"`
}
