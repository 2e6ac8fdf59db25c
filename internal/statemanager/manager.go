package statemanager

import (
	"fmt"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/persistence"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	// RiskStateChangedEvent carries a fresh RiskState snapshot published by the guard.
	RiskStateChangedEvent EventType = iota
	// StateResetEvent replaces the held state wholesale (e.g. after a restore).
	StateResetEvent
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StateManager serializes risk state updates and persists them asynchronously,
// so the guard never waits on disk I/O.
type StateManager struct {
	mu              sync.Mutex
	state           *models.RiskState
	dirty           bool
	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.RiskState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	flushInterval   time.Duration
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.RiskState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		state:           copyState(initialState),
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),  // Buffered channel
		persistenceChan: make(chan *models.RiskState, 128), // Buffered channel for state snapshots to be persisted
		stopChan:        make(chan struct{}),
		flushInterval:   time.Second,
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.")
}

// Stop drains pending events, waits for both loops and writes the latest state once more.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()

		// Queued snapshots are superseded by the final state written below.
	drain:
		for {
			select {
			case <-sm.persistenceChan:
			default:
				break drain
			}
		}
		if final := sm.GetStateSnapshot(); final != nil {
			sm.save(final)
		}
		sm.logger.Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Warn("StateManager stopped, event discarded", zap.Int("type", int(event.Type)))
	}
}

// OnRiskStateChange adapts the manager to the guard's change listener.
func (sm *StateManager) OnRiskStateChange(state models.RiskState) {
	sm.DispatchEvent(NormalizedEvent{
		Type:      RiskStateChangedEvent,
		Timestamp: time.Now(),
		Data:      state,
	})
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.RiskState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return copyState(sm.state)
}

func copyState(s *models.RiskState) *models.RiskState {
	if s == nil {
		return nil
	}
	stateCopy := *s
	if s.OpenPositions != nil {
		stateCopy.OpenPositions = make([]models.Position, len(s.OpenPositions))
		copy(stateCopy.OpenPositions, s.OpenPositions)
	}
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	flush := time.NewTicker(sm.flushInterval)
	defer flush.Stop()

	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-flush.C:
			sm.enqueue()
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			sm.save(stateToSave)
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) save(state *models.RiskState) {
	if sm.repo == nil {
		return
	}
	if err := sm.repo.SaveState(state); err != nil {
		sm.logger.Error("CRITICAL: Failed to save risk state", zap.Error(err))
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	sm.mu.Lock()
	switch event.Type {
	case RiskStateChangedEvent:
		if state, ok := event.Data.(models.RiskState); ok {
			// 只接受更新的快照, 乱序到达的旧快照直接丢弃
			if sm.state == nil || !state.LastUpdate.Before(sm.state.LastUpdate) {
				sm.state = copyState(&state)
				sm.dirty = true
			}
		} else {
			sm.logger.Warn("Received RiskStateChangedEvent with unexpected data type", zap.String("type", fmt.Sprintf("%T", event.Data)))
		}
	case StateResetEvent:
		if newState, ok := event.Data.(*models.RiskState); ok {
			sm.state = copyState(newState)
			sm.dirty = true
			sm.logger.Info("State has been reset.")
		} else {
			sm.logger.Warn("Received StateResetEvent with unexpected data type", zap.String("type", fmt.Sprintf("%T", event.Data)))
		}
	}
	sm.mu.Unlock()

	sm.enqueue()
}

// enqueue hands the latest state to the persistence loop without blocking.
// When the queue is full the state stays dirty and the flush ticker retries.
func (sm *StateManager) enqueue() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.dirty || sm.state == nil {
		return
	}
	select {
	case sm.persistenceChan <- copyState(sm.state):
		sm.dirty = false
	default:
	}
}
