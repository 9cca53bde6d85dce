package proto

import (
	"fmt"
	"time"
)

// State is a control machine state name.
type State string

const (
	StateRoute      State = "ROUTE"
	StateSuggest    State = "SUGGEST"
	StateGenerate   State = "GENERATE"
	StateExecute    State = "EXECUTE"
	StateClassify   State = "CLASSIFY"
	StateTerminated State = "TERMINATED"
)

func (s State) String() string {
	return string(s)
}

// ParseState validates a persisted state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateRoute, StateSuggest, StateGenerate, StateExecute, StateClassify, StateTerminated:
		return st, nil
	}
	return "", fmt.Errorf("unknown state: %q", s)
}

// StateChangeNotification is emitted on every transition.
type StateChangeNotification struct {
	SessionID string         `json:"session_id"`
	FromState State          `json:"from_state"`
	ToState   State          `json:"to_state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
