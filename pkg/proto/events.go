package proto

import "time"

// EventKind labels a TurnEvent.
type EventKind string

const (
	EventRouted      EventKind = "routed"
	EventPlan        EventKind = "plan"
	EventExecution   EventKind = "execution"
	EventClassified  EventKind = "classified"
	EventSuggestions EventKind = "suggestions"
	EventTerminal    EventKind = "terminal"
)

// TurnEvent reports the progress of a turn to front ends and the event log.
// Only the fields relevant to Kind are set.
type TurnEvent struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`

	Task        string      `json:"task,omitempty"`
	Destination Destination `json:"destination,omitempty"`
	Expertise   Expertise   `json:"expertise,omitempty"`
	Code        string      `json:"code,omitempty"`
	Reasoning   string      `json:"reasoning,omitempty"`
	Stdout      string      `json:"stdout,omitempty"`
	Stderr      string      `json:"stderr,omitempty"`
	ExecOutcome string      `json:"exec_outcome,omitempty"`
	RichOutputs int         `json:"rich_outputs,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
	Outcome     string      `json:"outcome,omitempty"`
	Message     string      `json:"message,omitempty"`
}
