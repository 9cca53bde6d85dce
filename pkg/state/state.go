// Package state holds the per-session record threaded through every step of
// the control machine, the declared merge policy for step results, and the
// keyed stores that checkpoint it.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"codeagent/pkg/exec"
	"codeagent/pkg/notebook"
	"codeagent/pkg/proto"
)

// TurnOutcome records why the last turn stopped.
type TurnOutcome string

const (
	// OutcomeNone means the turn is still running or never started.
	OutcomeNone TurnOutcome = ""
	// OutcomeCompleted means triage judged the last execution clean.
	OutcomeCompleted TurnOutcome = "completed"
	// OutcomeFinished means the generator emitted the completion sentinel.
	OutcomeFinished TurnOutcome = "finished"
	// OutcomeSuspended means the machine halted at Suggest awaiting a task.
	OutcomeSuspended TurnOutcome = "suspended"
	// OutcomeGaveUp means the repair budget ran out.
	OutcomeGaveUp TurnOutcome = "gave_up"
	// OutcomeStepLimit means the turn used its whole step allowance.
	OutcomeStepLimit TurnOutcome = "step_limit"
	// OutcomeFailed means a step returned a fatal error.
	OutcomeFailed TurnOutcome = "failed"
)

// Terminal reports whether the outcome ends the turn without a suspension.
func (o TurnOutcome) Terminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeFinished, OutcomeGaveUp, OutcomeStepLimit, OutcomeFailed:
		return true
	case OutcomeNone, OutcomeSuspended:
		return false
	}
	return false
}

// SessionState is the checkpointed record for one session. It never holds
// the live interpreter.
type SessionState struct {
	SessionID string `json:"session_id"`

	Task        string `json:"task"`
	PendingCode string `json:"pending_code"`
	Reasoning   string `json:"reasoning,omitempty"`

	LastExecutedCode string       `json:"last_executed_code"`
	LastStdout       string       `json:"last_stdout"`
	LastStderr       string       `json:"last_stderr"`
	LastExecOutcome  exec.Outcome `json:"last_exec_outcome,omitempty"`

	History          []string `json:"history"`
	SuggestedOptions []string `json:"suggested_options"`

	RoutingDecision proto.Destination `json:"routing_decision,omitempty"`
	TaskExpertise   proto.Expertise   `json:"task_expertise,omitempty"`

	Document     *notebook.Document `json:"document,omitempty"`
	DocumentPath string             `json:"document_path,omitempty"`

	RepairAttempts int         `json:"repair_attempts"`
	Steps          int         `json:"steps"`
	Current        proto.State `json:"current"`
	Suspended      bool        `json:"suspended"`
	Outcome        TurnOutcome `json:"outcome,omitempty"`
	Message        string      `json:"message,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *SessionState) Clone() (*SessionState, error) {
	data, err := encode(s)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// Summary is the listing view of a stored session.
type Summary struct {
	SessionID string      `json:"session_id"`
	Task      string      `json:"task"`
	Current   proto.State `json:"current"`
	Suspended bool        `json:"suspended"`
	Outcome   TurnOutcome `json:"outcome,omitempty"`
	Version   int64       `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Summarize builds the listing view.
func (s *SessionState) Summarize() Summary {
	return Summary{
		SessionID: s.SessionID,
		Task:      s.Task,
		Current:   s.Current,
		Suspended: s.Suspended,
		Outcome:   s.Outcome,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
}

func encode(s *SessionState) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session state: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*SessionState, error) {
	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	return &s, nil
}
