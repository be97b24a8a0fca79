package indicator

import (
	"fmt"
	"strings"
)

// GridState is the discrete market regime derived from the MACD histogram.
// The zero value StateNone means no state has been recorded yet.
type GridState int

const (
	StateNone GridState = iota
	StateWait
	StateActivate
	StateActive
	StatePause
	StateInactive
)

var gridStateNames = map[GridState]string{
	StateNone:     "",
	StateWait:     "WAIT",
	StateActivate: "ACTIVATE",
	StateActive:   "ACTIVE",
	StatePause:    "PAUSE",
	StateInactive: "INACTIVE",
}

func (s GridState) String() string {
	if name, ok := gridStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("GridState(%d)", int(s))
}

// Trading reports whether the state permits entries at all.
func (s GridState) Trading() bool {
	return s == StateActivate || s == StateActive
}

// MarshalText implements encoding.TextMarshaler.
func (s GridState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode to WAIT.
func (s *GridState) UnmarshalText(b []byte) error {
	*s, _ = ParseGridState(string(b))
	return nil
}

// ParseOutcome tells how a persisted state string was interpreted.
type ParseOutcome int

const (
	ParseExact ParseOutcome = iota
	ParseEmpty
	ParseUnrecognized
)

// ParseGridState maps a persisted string back onto the enum.
func ParseGridState(s string) (GridState, ParseOutcome) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "" {
		return StateNone, ParseEmpty
	}
	for state, n := range gridStateNames {
		if state != StateNone && n == name {
			return state, ParseExact
		}
	}
	return StateWait, ParseUnrecognized
}
