package filter

// State is the externally visible summary of a filter.
type State struct {
	Name        string         `json:"name"`
	Enabled     bool           `json:"enabled"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// Filter is an independently toggled gate on new entries.
type Filter interface {
	Name() string
	Enabled() bool
	Enable()
	Disable()
	// ShouldAllowTrade is true when new entries may be placed.
	ShouldAllowTrade() bool
	State() State
}

// OrderProtector is implemented by filters that can veto trend-driven cancellation.
type OrderProtector interface {
	ShouldProtectOrders() bool
}
