package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/coder"
	"codeagent/pkg/exec"
	"codeagent/pkg/proto"
	"codeagent/pkg/session"
	"codeagent/pkg/state"
)

type fakeSession struct {
	st        *state.SessionState
	submitted []string
	resumed   []string
	submit    func(task string) (*coder.TurnResult, error)
}

func newFakeSession() *fakeSession {
	return &fakeSession{st: &state.SessionState{SessionID: "s-1"}}
}

func (f *fakeSession) ID() string                 { return f.st.SessionID }
func (f *fakeSession) Suspended() bool            { return f.st.Suspended }
func (f *fakeSession) State() *state.SessionState { return f.st }

func (f *fakeSession) Submit(_ context.Context, task string) (*coder.TurnResult, error) {
	f.submitted = append(f.submitted, task)
	if f.submit != nil {
		return f.submit(task)
	}
	f.st.Suspended = false
	return &coder.TurnResult{Outcome: state.OutcomeCompleted, Message: coder.MsgExecutionCompleted, Steps: 4}, nil
}

func (f *fakeSession) Resume(_ context.Context, task string) (*coder.TurnResult, error) {
	f.resumed = append(f.resumed, task)
	f.st.Suspended = false
	return &coder.TurnResult{Outcome: state.OutcomeCompleted, Message: coder.MsgExecutionCompleted, Steps: 3}, nil
}

// suspendWith makes the next Submit stop at Suggest with options.
func (f *fakeSession) suspendWith(options ...string) {
	f.submit = func(string) (*coder.TurnResult, error) {
		f.st.Suspended = true
		f.st.SuggestedOptions = options
		return &coder.TurnResult{Outcome: state.OutcomeSuspended, Message: coder.MsgSuspended, Options: options}, nil
	}
}

func runREPL(t *testing.T, s turnSession, input string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, newREPL(strings.NewReader(input), &out).run(context.Background(), s))
	return out.String()
}

func TestREPLNewTask(t *testing.T) {
	s := newFakeSession()
	out := runREPL(t, s, "1\nprint hi\n3\n")

	assert.Equal(t, []string{"print hi"}, s.submitted)
	assert.Contains(t, out, "✅ execution completed (4 steps)")
	assert.NotContains(t, out, "[2] Pick from previous suggestions")
}

func TestREPLEmptyTaskIsIgnored(t *testing.T) {
	s := newFakeSession()
	runREPL(t, s, "1\n\n3\n")
	assert.Empty(t, s.submitted)
}

func TestREPLSuspensionOffersOptions(t *testing.T) {
	s := newFakeSession()
	s.suspendWith("load the csv", "plot a histogram")

	out := runREPL(t, s, "1\nexplore the data\n2\n3\n")

	assert.Equal(t, []string{"explore the data"}, s.submitted)
	assert.Equal(t, []string{"plot a histogram"}, s.resumed)
	assert.Contains(t, out, "  [1] load the csv")
	assert.Contains(t, out, "  [3] Type your own")
	assert.Contains(t, out, "  [4] Cancel")
}

func TestREPLStartsWithPendingSuggestions(t *testing.T) {
	s := newFakeSession()
	s.st.Suspended = true
	s.st.SuggestedOptions = []string{"describe columns"}

	out := runREPL(t, s, "2\ncount rows per day\n3\n")

	assert.Contains(t, out, "waiting for you to pick")
	assert.Equal(t, []string{"count rows per day"}, s.resumed)
	assert.Empty(t, s.submitted)
}

func TestREPLCancelKeepsSuspension(t *testing.T) {
	s := newFakeSession()
	s.st.Suspended = true
	s.st.SuggestedOptions = []string{"a"}

	out := runREPL(t, s, "7\n3\n3\n")

	assert.Contains(t, out, `Invalid choice "7"`)
	assert.Empty(t, s.resumed)
	assert.Empty(t, s.submitted)
	assert.True(t, s.Suspended())
	assert.Contains(t, out, "[2] Pick from previous suggestions")
}

func TestREPLPreviousSuggestionsStartNewTurn(t *testing.T) {
	s := newFakeSession()
	s.st.SuggestedOptions = []string{"a", "b"}

	runREPL(t, s, "2\n1\n3\n")

	assert.Equal(t, []string{"a"}, s.submitted)
	assert.Empty(t, s.resumed)
}

func TestREPLWithoutSuggestions(t *testing.T) {
	out := runREPL(t, newFakeSession(), "2\n3\n")
	assert.Contains(t, out, "No previous suggestions.")
}

func TestREPLTurnErrorKeepsLooping(t *testing.T) {
	s := newFakeSession()
	s.submit = func(string) (*coder.TurnResult, error) { return nil, errors.New("generation failed: bad key") }

	out := runREPL(t, s, "1\nanything\n1\nagain\n3\n")

	assert.Len(t, s.submitted, 2)
	assert.Contains(t, out, "❌ generation failed: bad key")
}

func TestREPLClosedSessionStops(t *testing.T) {
	s := newFakeSession()
	s.submit = func(string) (*coder.TurnResult, error) { return nil, session.ErrSessionClosed }

	err := newREPL(strings.NewReader("1\nanything\n3\n"), io.Discard).run(context.Background(), s)
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestREPLGaveUp(t *testing.T) {
	s := newFakeSession()
	s.submit = func(string) (*coder.TurnResult, error) {
		return &coder.TurnResult{Outcome: state.OutcomeGaveUp, Message: "gave up after 3 repair attempts"}, nil
	}
	out := runREPL(t, s, "1\nbroken\n3\n")
	assert.Contains(t, out, "⚠️  gave up after 3 repair attempts")
}

func TestREPLEndOfInputExits(t *testing.T) {
	s := newFakeSession()
	runREPL(t, s, "")
	runREPL(t, s, "1\n")
	assert.Empty(t, s.submitted)
}

func TestREPLContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newREPL(pr, io.Discard).run(ctx, newFakeSession())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &progressPrinter{out: &out}

	p.OnEvent(proto.TurnEvent{Kind: proto.EventRouted, Destination: proto.DestSimpleTask, Expertise: proto.ExpertiseGeneral})
	p.OnEvent(proto.TurnEvent{Kind: proto.EventPlan, Code: "print(1)\n"})
	p.OnEvent(proto.TurnEvent{Kind: proto.EventExecution, Stdout: "1", Stderr: "Traceback", ExecOutcome: string(exec.OutcomeTimedOut), RichOutputs: 2})
	p.OnEvent(proto.TurnEvent{Kind: proto.EventClassified, Destination: proto.DestFixError})
	p.OnEvent(proto.TurnEvent{Kind: proto.EventPlan, Code: "print(2)", Attempt: 1})
	p.OnEvent(proto.TurnEvent{Kind: proto.EventTerminal, Outcome: "completed"})

	want := strings.Join([]string{
		"→ simple_task (general)",
		"--- code ---",
		"print(1)",
		"------------",
		"1",
		"stderr:",
		"Traceback",
		"(2 rich outputs saved to the notebook)",
		"⏱  execution timed_out",
		"→ stderr judged fix_error",
		"🔧 Repair attempt 1",
		"--- code ---",
		"print(2)",
		"------------",
	}, "\n") + "\n"
	assert.Equal(t, want, out.String())
}
