package indicator

import (
	"errors"
	"fmt"
	"sync"

	"trend-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// ErrInvalidParams is returned for MACD periods that cannot be computed.
var ErrInvalidParams = errors.New("invalid macd params")

// Snapshot holds the MACD values of the last two closed candles.
type Snapshot struct {
	MACD          float64 `json:"macd"`
	Signal        float64 `json:"signal"`
	Histogram     float64 `json:"histogram"`
	PrevHistogram float64 `json:"prev_histogram"`
}

// Activation is the flag pair gating order creation plus the last state seen.
type Activation struct {
	CycleActivated   bool      `json:"cycle_activated"`
	TriggerActivated bool      `json:"trigger_activated"`
	LastState        GridState `json:"last_state"`
}

// RestoreOutcome reports which branch Restore took.
type RestoreOutcome int

const (
	RestoreExact RestoreOutcome = iota
	RestoreEmpty
	RestorePauseDropped
	RestoreUnrecognized
)

func (o RestoreOutcome) String() string {
	switch o {
	case RestoreExact:
		return "exact"
	case RestoreEmpty:
		return "empty"
	case RestorePauseDropped:
		return "pause_dropped"
	case RestoreUnrecognized:
		return "unrecognized"
	}
	return fmt.Sprintf("RestoreOutcome(%d)", int(o))
}

// TrendStrategy turns a candle series into a GridState and owns the cycle
// and trigger flags. Methods are safe for concurrent use.
type TrendStrategy struct {
	fast, slow, signal int
	timeframe          string

	mu  sync.RWMutex
	act Activation

	logger *zap.Logger
}

// NewTrendStrategy validates the MACD periods.
func NewTrendStrategy(cfg models.MACDConfig, logger *zap.Logger) (*TrendStrategy, error) {
	if cfg.Fast <= 0 || cfg.Slow <= 0 || cfg.Signal <= 0 {
		return nil, fmt.Errorf("%w: periods must be > 0", ErrInvalidParams)
	}
	if cfg.Fast >= cfg.Slow {
		return nil, fmt.Errorf("%w: fast (%d) must be < slow (%d)", ErrInvalidParams, cfg.Fast, cfg.Slow)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrendStrategy{
		fast:      cfg.Fast,
		slow:      cfg.Slow,
		signal:    cfg.Signal,
		timeframe: cfg.Timeframe,
		logger:    logger,
	}, nil
}

// MinCandles is the smallest series Calculate accepts, including the candle still forming.
func (s *TrendStrategy) MinCandles() int {
	return s.slow + s.signal + 2
}

// Timeframe returns the kline interval the strategy is meant to run on.
func (s *TrendStrategy) Timeframe() string {
	return s.timeframe
}

// Calculate computes the MACD snapshot. The last candle is still forming and
// is dropped. ok is false when the series is short or holds unusable prices.
func (s *TrendStrategy) Calculate(candles []models.Candle) (Snapshot, bool) {
	if len(candles) < s.MinCandles() {
		s.logger.Debug("not enough candles for macd", zap.Int("have", len(candles)), zap.Int("need", s.MinCandles()))
		return Snapshot{}, false
	}
	closes, ok := Closes(candles[:len(candles)-1])
	if !ok {
		s.logger.Warn("candle series rejected: non-finite or out of range close")
		return Snapshot{}, false
	}

	fastEMA := EMASeries(closes, s.fast)
	slowEMA := EMASeries(closes, s.slow)
	offset := s.slow - s.fast
	macd := make([]float64, len(slowEMA))
	for i := range slowEMA {
		macd[i] = fastEMA[i+offset] - slowEMA[i]
	}
	signal := EMASeries(macd, s.signal)
	if len(signal) < 2 {
		return Snapshot{}, false
	}

	last := len(macd) - 1
	sigLast := len(signal) - 1
	snap := Snapshot{
		MACD:          macd[last],
		Signal:        signal[sigLast],
		Histogram:     macd[last] - signal[sigLast],
		PrevHistogram: macd[last-1] - signal[sigLast-1],
	}
	for _, v := range []float64{snap.MACD, snap.Signal, snap.Histogram, snap.PrevHistogram} {
		if !Finite(v) {
			s.logger.Warn("macd produced a non-finite value", zap.Any("snapshot", snap))
			return Snapshot{}, false
		}
	}
	snap.MACD = Clamp(snap.MACD)
	snap.Signal = Clamp(snap.Signal)
	snap.Histogram = Clamp(snap.Histogram)
	snap.PrevHistogram = Clamp(snap.PrevHistogram)
	return snap, true
}

// DetermineState maps a snapshot onto a GridState.
//
//	histogram < 0, rising, MACD and signal < 0 -> ACTIVATE
//	histogram < 0, rising                      -> WAIT
//	histogram > 0, rising                      -> ACTIVE
//	histogram > 0, falling                     -> PAUSE
//	histogram < 0, falling                     -> INACTIVE
//
// A zero histogram counts as negative and an unchanged one as falling.
func DetermineState(snap Snapshot) GridState {
	rising := snap.Histogram > snap.PrevHistogram
	if snap.Histogram > 0 {
		if rising {
			return StateActive
		}
		return StatePause
	}
	if !rising {
		return StateInactive
	}
	if snap.MACD < 0 && snap.Signal < 0 {
		return StateActivate
	}
	return StateWait
}

// DetermineState is the method form of the package function.
func (s *TrendStrategy) DetermineState(snap Snapshot) GridState {
	return DetermineState(snap)
}

// Apply records a freshly evaluated state and runs the flag side effects.
func (s *TrendStrategy) Apply(state GridState) (prev GridState, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.act.LastState
	switch state {
	case StateActivate:
		s.act.CycleActivated = true
		if !s.act.TriggerActivated {
			s.act.TriggerActivated = true
			s.logger.Info("trigger auto-armed on ACTIVATE")
		}
	case StateInactive:
		if s.act.CycleActivated || s.act.TriggerActivated {
			s.logger.Info("cycle and trigger cleared on INACTIVE")
		}
		s.act.CycleActivated = false
		s.act.TriggerActivated = false
	}
	s.act.LastState = state
	return prev, prev != state
}

// ShouldCreateOrders is true only with both flags set and a trading state.
func (s *TrendStrategy) ShouldCreateOrders(state GridState) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.act.CycleActivated && s.act.TriggerActivated && state.Trading()
}

// ManualActivate arms cycle and trigger. Rejected while the last state is INACTIVE.
func (s *TrendStrategy) ManualActivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.act.LastState == StateInactive {
		s.logger.Warn("manual activation rejected: market is INACTIVE")
		return false
	}
	s.act.CycleActivated = true
	s.act.TriggerActivated = true
	s.logger.Info("cycle manually activated")
	return true
}

// ManualDeactivate clears both flags. Always accepted.
func (s *TrendStrategy) ManualDeactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.act.CycleActivated = false
	s.act.TriggerActivated = false
	s.logger.Info("cycle manually deactivated")
	return true
}

// SetTrigger sets the trigger flag. Arming is rejected while INACTIVE.
func (s *TrendStrategy) SetTrigger(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on && s.act.LastState == StateInactive {
		s.logger.Warn("trigger arm rejected: market is INACTIVE")
		return false
	}
	s.act.TriggerActivated = on
	s.logger.Info("trigger set manually", zap.Bool("on", on))
	return true
}

// Restore reinstates persisted flags and state. A persisted PAUSE is dropped
// so a cycle interrupted mid-pause does not stay paused forever; unknown
// names come back as WAIT.
func (s *TrendStrategy) Restore(cycle, trigger bool, lastState string) RestoreOutcome {
	state, parsed := ParseGridState(lastState)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.act.CycleActivated = cycle
	s.act.TriggerActivated = trigger

	var outcome RestoreOutcome
	switch {
	case parsed == ParseEmpty:
		s.act.LastState = StateNone
		outcome = RestoreEmpty
	case parsed == ParseUnrecognized:
		s.act.LastState = StateWait
		outcome = RestoreUnrecognized
	case state == StatePause:
		s.act.LastState = StateNone
		outcome = RestorePauseDropped
	default:
		s.act.LastState = state
		outcome = RestoreExact
	}
	s.logger.Info("activation restored",
		zap.Bool("cycle_activated", cycle),
		zap.Bool("trigger_activated", trigger),
		zap.String("persisted_state", lastState),
		zap.Stringer("state", s.act.LastState),
		zap.Stringer("outcome", outcome),
	)
	return outcome
}

// Activation returns a copy of the current flags.
func (s *TrendStrategy) Activation() Activation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.act
}
