package coder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"codeagent/pkg/exec"
	"codeagent/pkg/notebook"
	"codeagent/pkg/planner"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
	"codeagent/pkg/triage"
	"codeagent/pkg/utils"
)

// historyOutputTokens bounds stdout and stderr inside one history entry.
const historyOutputTokens = 300

func (d *Driver) handleRoute(ctx context.Context) error {
	routing, err := d.planner.Route(ctx, d.request())
	if err != nil {
		return err
	}
	d.emit(proto.TurnEvent{
		Kind:        proto.EventRouted,
		Task:        d.st.Task,
		Destination: routing.Destination,
		Expertise:   routing.Expertise,
		Reasoning:   routing.Reasoning,
	})

	out := state.StepOutput{
		RoutingDecision: state.Ref(routing.Destination),
		TaskExpertise:   state.Ref(routing.Expertise),
		Reasoning:       state.Ref(routing.Reasoning),
	}
	switch routing.Destination {
	case proto.DestSimpleTask:
		return d.transition(ctx, proto.StateGenerate, out)
	case proto.DestComplexTask:
		return d.transition(ctx, proto.StateSuggest, out)
	case proto.DestFixError, proto.DestNoError:
	}
	return fmt.Errorf("%w: route produced %q", ErrUnexpectedDestination, routing.Destination)
}

// handleSuggest stores the options and suspends. It does not transition.
func (d *Driver) handleSuggest(ctx context.Context) error {
	options, err := d.planner.Suggest(ctx, d.request())
	if err != nil {
		return err
	}
	st, err := d.Checkpoint(ctx, state.StepOutput{
		SuggestedOptions: options,
		Suspended:        state.Ref(true),
		Outcome:          state.Ref(state.OutcomeSuspended),
		Message:          state.Ref(MsgSuspended),
	})
	if err != nil {
		return err
	}
	d.st = st
	d.emit(proto.TurnEvent{Kind: proto.EventSuggestions, Task: st.Task, Options: options})
	return nil
}

func (d *Driver) handleGenerate(ctx context.Context) error {
	plan, err := d.planner.Generate(ctx, d.request())
	if err != nil {
		return err
	}
	d.emit(proto.TurnEvent{
		Kind:      proto.EventPlan,
		Task:      d.st.Task,
		Code:      plan.Code,
		Reasoning: plan.Reasoning,
		Attempt:   d.st.RepairAttempts,
	})
	return d.transition(ctx, proto.StateExecute, state.StepOutput{
		PendingCode: state.Ref(plan.Code),
		Reasoning:   state.Ref(plan.Reasoning),
	})
}

func (d *Driver) handleExecute(ctx context.Context) error {
	code := d.st.PendingCode
	if code == planner.FinishMarker {
		return d.terminate(ctx, state.OutcomeFinished, MsgTaskCompleted, state.StepOutput{})
	}

	start := time.Now()
	res, err := d.kernel.Execute(ctx, code)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	d.recorder.ObserveExecution(res.Outcome, time.Since(start))

	doc, err := d.document()
	if err != nil {
		return err
	}
	doc.AppendExecution(code, res)

	stderr := res.Stderr
	if path := d.st.DocumentPath; path != "" {
		if err := doc.Save(path); err != nil {
			d.logger.Warn("could not save notebook %s: %v", path, err)
			stderr = appendLine(stderr, fmt.Sprintf("Warning: could not save notebook %s: %v", path, err))
		}
	}
	if !res.Complete() {
		d.logger.Warn("execution ended without idle status: %s", res.Outcome)
		stderr = appendLine(stderr, incompleteNotice(res.Outcome))
	}

	d.emit(proto.TurnEvent{
		Kind:        proto.EventExecution,
		Code:        code,
		Stdout:      res.Stdout,
		Stderr:      stderr,
		ExecOutcome: string(res.Outcome),
		RichOutputs: len(res.RichOutputs),
	})

	out := state.StepOutput{
		LastExecutedCode: state.Ref(code),
		LastStdout:       state.Ref(res.Stdout),
		LastStderr:       state.Ref(stderr),
		LastExecOutcome:  state.Ref(res.Outcome),
		History:          []string{historyEntry(d.st.Task, code, res.Stdout, stderr)},
		Document:         doc,
	}
	switch d.triage.Tier1(stderr) {
	case triage.Clean:
		return d.terminate(ctx, state.OutcomeCompleted, MsgExecutionCompleted, out)
	case triage.Suspect:
		return d.transition(ctx, proto.StateClassify, out)
	}
	return fmt.Errorf("unknown triage verdict for stderr %q", firstLine(stderr))
}

func (d *Driver) handleClassify(ctx context.Context) error {
	dest, err := d.triage.Tier2(ctx, triage.Evidence{
		Code:   d.st.LastExecutedCode,
		Stdout: d.st.LastStdout,
		Stderr: d.st.LastStderr,
	})
	if err != nil {
		return err
	}
	d.emit(proto.TurnEvent{Kind: proto.EventClassified, Destination: dest, Stderr: d.st.LastStderr})

	switch dest {
	case proto.DestNoError:
		return d.terminate(ctx, state.OutcomeCompleted, MsgBenignStderr, state.StepOutput{})
	case proto.DestFixError:
		return d.repair(ctx)
	case proto.DestSimpleTask, proto.DestComplexTask:
	}
	return fmt.Errorf("%w: classify produced %q", ErrUnexpectedDestination, dest)
}

// repair loops back to Generate unless a repair budget stops the turn.
func (d *Driver) repair(ctx context.Context) error {
	stderr := d.st.LastStderr
	attempts := d.st.RepairAttempts + 1

	if d.config.MaxRepairAttempts > 0 && attempts > d.config.MaxRepairAttempts {
		d.stopErr = ErrRepairBudgetExceeded
		msg := fmt.Sprintf("gave up after %d repair attempts; last error: %s", d.st.RepairAttempts, lastLine(stderr))
		return d.terminate(ctx, state.OutcomeGaveUp, msg, state.StepOutput{})
	}

	norm := normalizeFailure(stderr)
	if d.config.FailFast && norm != "" && norm == d.lastFailure {
		d.stopErr = ErrRepeatedFailure
		msg := fmt.Sprintf("gave up: the repair reproduced the same error: %s", lastLine(stderr))
		return d.terminate(ctx, state.OutcomeGaveUp, msg, state.StepOutput{})
	}
	d.lastFailure = norm

	d.recorder.IncRepair()
	d.logger.Info("repair attempt %d: %s", attempts, lastLine(stderr))
	return d.transition(ctx, proto.StateGenerate, state.StepOutput{
		RepairAttempts: state.Ref(attempts),
	})
}

// document returns a copy of the session document to append to.
func (d *Driver) document() (*notebook.Document, error) {
	if d.st.Document == nil {
		return notebook.New(), nil
	}
	doc, err := d.st.Document.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to copy notebook: %w", err)
	}
	return doc, nil
}

func historyEntry(task, code, stdout, stderr string) string {
	counter := utils.SharedCounter()
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nCode:\n%s\n", task, strings.TrimSpace(code))
	if stdout != "" {
		fmt.Fprintf(&b, "Stdout:\n%s\n", counter.TruncateTail(strings.TrimSpace(stdout), historyOutputTokens))
	}
	if stderr != "" {
		fmt.Fprintf(&b, "Stderr:\n%s\n", counter.TruncateTail(strings.TrimSpace(stderr), historyOutputTokens))
	}
	return strings.TrimRight(b.String(), "\n")
}

func incompleteNotice(o exec.Outcome) string {
	switch o {
	case exec.OutcomeTimedOut:
		return "Notice: execution timed out before the interpreter went idle; output may be partial."
	case exec.OutcomeStreamClosed:
		return "Notice: the interpreter closed its output stream before going idle; it may have exited."
	case exec.OutcomeCompleted:
	}
	return ""
}

func appendLine(s, line string) string {
	if line == "" {
		return s
	}
	if s == "" {
		return line
	}
	return strings.TrimRight(s, "\n") + "\n\n" + line
}

var addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// normalizeFailure reduces stderr to a comparable form: addresses masked,
// whitespace collapsed.
func normalizeFailure(stderr string) string {
	s := addressPattern.ReplaceAllString(stderr, "0x?")
	return strings.Join(strings.Fields(s), " ")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
