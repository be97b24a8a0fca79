package statemanager

import (
	"context"
	"sync"
	"time"

	"trend-grid-bot-go/internal/models"
	"trend-grid-bot-go/internal/persistence"
	"trend-grid-bot-go/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	StateChangedEvent EventType = iota
	OrderFilledEvent
	SnapshotUpdatedEvent
)

// maxTransitions is how many state transitions are kept for the dashboard.
const maxTransitions = 50

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StateChangedEventData carries a grid state transition and the snapshot after it.
type StateChangedEventData struct {
	From     string
	To       string
	Snapshot models.StrategySnapshot
}

// OrderFilledEventData carries a confirmed entry fill.
type OrderFilledEventData struct {
	Fill models.FillRecord
}

// SnapshotUpdatedEventData carries a snapshot produced by a manual override.
type SnapshotUpdatedEventData struct {
	Snapshot models.StrategySnapshot
}

// Transition is one recorded grid state change.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// StateManager is responsible for all strategy state bookkeeping and persistence.
// It ensures that all state changes are processed serially.
type StateManager struct {
	mu          sync.RWMutex
	snapshot    *models.StrategySnapshot
	transitions []Transition

	repo            persistence.StateRepository
	journal         storage.TradeJournal
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.StrategySnapshot
	journalChan     chan models.FillRecord
	stopChan        chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo and journal may be nil.
func NewStateManager(initial *models.StrategySnapshot, repo persistence.StateRepository, journal storage.TradeJournal, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		snapshot:        copySnapshot(initial),
		repo:            repo,
		journal:         journal,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.StrategySnapshot, 128),
		journalChan:     make(chan models.FillRecord, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop shuts the loops down and writes the latest snapshot synchronously.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.drain()
		if snap := sm.GetStateSnapshot(); snap != nil && sm.repo != nil {
			if err := sm.repo.SaveState(snap); err != nil {
				sm.logger.Sugar().Errorf("Failed to save final state: %v", err)
			}
		}
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("StateManager stopped, dropping event %d", event.Type)
	}
}

// GetStateSnapshot returns a copy of the latest strategy snapshot.
func (sm *StateManager) GetStateSnapshot() *models.StrategySnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return copySnapshot(sm.snapshot)
}

// RecentTransitions returns recorded transitions, oldest first.
func (sm *StateManager) RecentTransitions() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]Transition(nil), sm.transitions...)
}

func copySnapshot(s *models.StrategySnapshot) *models.StrategySnapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of snapshots and fills.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case snap := <-sm.persistenceChan:
			if sm.repo != nil {
				if err := sm.repo.SaveState(snap); err != nil {
					sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
				}
			}
		case fill := <-sm.journalChan:
			sm.recordFill(fill)
		case <-sm.stopChan:
			return
		}
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case StateChangedEvent:
		data, ok := event.Data.(StateChangedEventData)
		if !ok {
			sm.logger.Sugar().Warnf("Received StateChangedEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.mu.Lock()
		sm.transitions = append(sm.transitions, Transition{From: data.From, To: data.To, At: event.Timestamp})
		if len(sm.transitions) > maxTransitions {
			sm.transitions = sm.transitions[len(sm.transitions)-maxTransitions:]
		}
		sm.mu.Unlock()
		sm.logger.Sugar().Infof("Grid state %s -> %s", displayState(data.From), data.To)
		sm.updateSnapshot(data.Snapshot)
	case SnapshotUpdatedEvent:
		data, ok := event.Data.(SnapshotUpdatedEventData)
		if !ok {
			sm.logger.Sugar().Warnf("Received SnapshotUpdatedEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.updateSnapshot(data.Snapshot)
	case OrderFilledEvent:
		data, ok := event.Data.(OrderFilledEventData)
		if !ok {
			sm.logger.Sugar().Warnf("Received OrderFilledEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.handleOrderFilled(data.Fill, event.Timestamp)
	default:
		sm.logger.Sugar().Warnf("Unknown event type %d", event.Type)
	}
}

func (sm *StateManager) updateSnapshot(snap models.StrategySnapshot) {
	sm.mu.Lock()
	sm.snapshot = copySnapshot(&snap)
	sm.mu.Unlock()

	// 发送副本到持久化通道; 停止时由 Stop 负责最终落盘
	select {
	case sm.persistenceChan <- copySnapshot(&snap):
	case <-sm.stopChan:
	}
}

// drain processes whatever was queued before Stop, after the loops have exited.
func (sm *StateManager) drain() {
	for {
		select {
		case event := <-sm.eventChannel:
			if data, ok := event.Data.(OrderFilledEventData); ok && event.Type == OrderFilledEvent {
				sm.recordFill(normalizeFill(data.Fill, event.Timestamp))
				continue
			}
			sm.processEvent(event)
		case fill := <-sm.journalChan:
			sm.recordFill(fill)
		default:
			return
		}
	}
}

func (sm *StateManager) recordFill(fill models.FillRecord) {
	if sm.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.journal.RecordFill(ctx, fill); err != nil {
		sm.logger.Sugar().Errorf("Failed to journal fill for order %d: %v", fill.OrderID, err)
	}
}

func normalizeFill(fill models.FillRecord, at time.Time) models.FillRecord {
	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}
	if fill.RecordedAt.IsZero() {
		fill.RecordedAt = at
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = at
	}
	return fill
}

func (sm *StateManager) handleOrderFilled(fill models.FillRecord, at time.Time) {
	fill = normalizeFill(fill, at)
	sm.logger.Sugar().Infof("--- Entry filled --- order %d %s %.8f @ %.2f, TP %.2f",
		fill.OrderID, fill.Side, fill.Quantity, fill.Price, fill.TPPrice)
	select {
	case sm.journalChan <- fill:
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("StateManager stopped, fill for order %d not journaled", fill.OrderID)
	}
}

func displayState(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
