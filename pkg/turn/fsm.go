package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(ev StateChange) { f(ev) }

var validTransitions = map[State][]State{
	StateListening:               {StateAccumulating, StateSendingAwaitingResponse},
	StateAccumulating:            {StateListening, StateSendingAwaitingResponse},
	StateSendingAwaitingResponse: {StatePlaying, StateListening},
	StatePlaying:                 {StateListening},
}

// stateMachine tracks the turn state for observers. The gate itself is
// decided by the coordinator's atomic flags, not by this state.
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	since     time.Time
	listeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateListening, since: time.Now()}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Since returns when the current state was entered.
func (sm *stateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.since
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation. Moving to the current
// state is a no-op.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()
	if sm.current == state {
		sm.mu.Unlock()
		return nil
	}
	if !transitionValid(sm.current, state) {
		err := &InvalidTransitionError{From: sm.current, To: state}
		sm.mu.Unlock()
		return err
	}
	event := StateChange{
		FromState: sm.current,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	sm.current = state
	sm.since = event.Timestamp
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	// Listeners run without the lock so they may read State.
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
