package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeagent/pkg/logx"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
)

// StateTransition records one move of the machine.
type StateTransition struct {
	FromState proto.State
	ToState   proto.State
	Timestamp time.Time
	Metadata  map[string]any
}

// TransitionTable lists the allowed successors of each state.
type TransitionTable map[proto.State][]proto.State

// BaseStateMachine validates transitions against a table and checkpoints the
// session through a state.Store on every move. The in-memory state only
// advances once the checkpoint has been written.
type BaseStateMachine struct {
	sessionID    string
	currentState proto.State
	transitions  []StateTransition
	store        state.Store
	table        TransitionTable
	mu           sync.Mutex
	logger       *logx.Logger

	stateNotifCh chan<- *proto.StateChangeNotification
}

// NewBaseStateMachine creates a state machine for sessionID starting at initialState.
func NewBaseStateMachine(sessionID string, initialState proto.State, store state.Store, table TransitionTable, logger *logx.Logger) *BaseStateMachine {
	if logger == nil {
		logger = logx.NewLogger("fsm").WithSession(sessionID)
	}
	return &BaseStateMachine{
		sessionID:    sessionID,
		currentState: initialState,
		store:        store,
		table:        table,
		logger:       logger,
	}
}

// SessionID returns the session this machine drives.
func (sm *BaseStateMachine) SessionID() string {
	return sm.sessionID
}

// GetCurrentState returns the current state.
func (sm *BaseStateMachine) GetCurrentState() proto.State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentState
}

// IsValidTransition reports whether the table allows from -> to.
func (sm *BaseStateMachine) IsValidTransition(from, to proto.State) bool {
	for _, s := range sm.table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo validates the move, merges out (with Current set to
// newState) into the stored session and only then updates the in-memory
// state. It returns the checkpointed session.
//
//nolint:gocritic // StepOutput is passed by value so callers can reuse literals
func (sm *BaseStateMachine) TransitionTo(ctx context.Context, newState proto.State, out state.StepOutput, metadata map[string]any) (*state.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("state transition cancelled: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	oldState := sm.currentState
	if !sm.IsValidTransition(oldState, newState) {
		return nil, fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, oldState, newState)
	}

	out.Current = state.Ref(newState)
	st, err := sm.store.ApplyStepResult(ctx, sm.sessionID, out)
	if err != nil {
		return nil, fmt.Errorf("failed to checkpoint transition %s -> %s: %w", oldState, newState, err)
	}

	transition := StateTransition{
		FromState: oldState,
		ToState:   newState,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	sm.transitions = append(sm.transitions, transition)
	sm.currentState = newState

	sm.logger.Debug("transition %s -> %s (v%d)", oldState, newState, st.Version)

	if sm.stateNotifCh != nil {
		notification := &proto.StateChangeNotification{
			SessionID: sm.sessionID,
			FromState: oldState,
			ToState:   newState,
			Timestamp: transition.Timestamp,
			Metadata:  metadata,
		}
		select {
		case sm.stateNotifCh <- notification:
		default:
			sm.logger.Warn("state notification channel full, dropping %s -> %s", oldState, newState)
		}
	}

	return st, nil
}

// Checkpoint merges out into the stored session without moving the machine.
//
//nolint:gocritic // see TransitionTo
func (sm *BaseStateMachine) Checkpoint(ctx context.Context, out state.StepOutput) (*state.SessionState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st, err := sm.store.ApplyStepResult(ctx, sm.sessionID, out)
	if err != nil {
		return nil, fmt.Errorf("failed to checkpoint session: %w", err)
	}
	return st, nil
}

// Reset moves the machine to s without validation, for resuming from a stored state.
func (sm *BaseStateMachine) Reset(s proto.State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.currentState = s
}

// GetTransitions returns the transitions recorded by this instance.
func (sm *BaseStateMachine) GetTransitions() []StateTransition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]StateTransition{}, sm.transitions...)
}

// SetStateNotificationChannel sets the channel for state change notifications.
// Sends never block; a full channel drops the notification.
func (sm *BaseStateMachine) SetStateNotificationChannel(ch chan<- *proto.StateChangeNotification) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateNotifCh = ch
}
