package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"codeagent/pkg/coder"
	"codeagent/pkg/exec"
	"codeagent/pkg/proto"
	"codeagent/pkg/session"
	"codeagent/pkg/state"
)

// turnSession is the part of session.Session the menu loop drives.
type turnSession interface {
	ID() string
	Suspended() bool
	State() *state.SessionState
	Submit(ctx context.Context, task string) (*coder.TurnResult, error)
	Resume(ctx context.Context, task string) (*coder.TurnResult, error)
}

// lineReader feeds input lines through a channel so a pending read can be
// abandoned when ctx ends.
type lineReader struct {
	lines chan string
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{lines: make(chan string)}
	go func() {
		defer close(lr.lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lr.lines <- sc.Text()
		}
	}()
	return lr
}

func (lr *lineReader) next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lr.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	}
}

type repl struct {
	lines *lineReader
	out   io.Writer
}

func newREPL(in io.Reader, out io.Writer) *repl {
	return &repl{lines: newLineReader(in), out: out}
}

// run drives one session until the user exits or input ends.
func (r *repl) run(ctx context.Context, s turnSession) error {
	fmt.Fprintf(r.out, "Session %s\n", s.ID())
	if s.Suspended() {
		fmt.Fprintln(r.out, "This session is waiting for you to pick a next step.")
		if err := r.pick(ctx, s, s.State().SuggestedOptions); err != nil {
			return done(err)
		}
	}

	for {
		options := suggestions(s)
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, "[1] New task")
		if len(options) > 0 {
			fmt.Fprintln(r.out, "[2] Pick from previous suggestions")
		}
		fmt.Fprintln(r.out, "[3] Exit")

		choice, err := r.prompt(ctx, "> ")
		if err != nil {
			return done(err)
		}

		switch choice {
		case "1":
			task, err := r.prompt(ctx, "Describe the task: ")
			if err != nil {
				return done(err)
			}
			if task == "" {
				continue
			}
			err = r.turn(ctx, s, task, false)
			if err != nil {
				return done(err)
			}
		case "2":
			if len(options) == 0 {
				fmt.Fprintln(r.out, "No previous suggestions.")
				continue
			}
			if err := r.pick(ctx, s, options); err != nil {
				return done(err)
			}
		case "3", "q", "exit":
			return nil
		default:
			fmt.Fprintf(r.out, "Invalid choice %q\n", choice)
		}
	}
}

// done treats end of input as a normal exit.
func done(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func suggestions(s turnSession) []string {
	st := s.State()
	if st == nil {
		return nil
	}
	return st.SuggestedOptions
}

func (r *repl) prompt(ctx context.Context, label string) (string, error) {
	fmt.Fprint(r.out, label)
	return r.lines.next(ctx)
}

// pick lists options plus "type your own" and "cancel" entries.
func (r *repl) pick(ctx context.Context, s turnSession, options []string) error {
	for i, o := range options {
		fmt.Fprintf(r.out, "  [%d] %s\n", i+1, o)
	}
	own := len(options) + 1
	cancel := len(options) + 2
	fmt.Fprintf(r.out, "  [%d] Type your own\n", own)
	fmt.Fprintf(r.out, "  [%d] Cancel\n", cancel)

	for {
		choice, err := r.prompt(ctx, "Choose an option: ")
		if err != nil {
			return err
		}
		n, convErr := strconv.Atoi(choice)
		switch {
		case convErr != nil || n < 1 || n > cancel:
			fmt.Fprintf(r.out, "Invalid choice %q\n", choice)
		case n == cancel:
			return nil
		case n == own:
			task, err := r.prompt(ctx, "Describe the step: ")
			if err != nil {
				return err
			}
			if task == "" {
				return nil
			}
			return r.turn(ctx, s, task, true)
		default:
			return r.turn(ctx, s, options[n-1], true)
		}
	}
}

// turn runs one task. A chosen suggestion continues a suspended session;
// anything else starts a new turn.
func (r *repl) turn(ctx context.Context, s turnSession, task string, chosen bool) error {
	var (
		res *coder.TurnResult
		err error
	)
	if chosen && s.Suspended() {
		res, err = s.Resume(ctx, task)
	} else {
		res, err = s.Submit(ctx, task)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, session.ErrSessionClosed) {
			return err
		}
		fmt.Fprintf(r.out, "❌ %v\n", err)
		return nil
	}

	r.render(res)
	if res.Suspended() {
		return r.pick(ctx, s, res.Options)
	}
	return nil
}

func (r *repl) render(res *coder.TurnResult) {
	switch res.Outcome {
	case state.OutcomeCompleted, state.OutcomeFinished:
		fmt.Fprintf(r.out, "✅ %s (%d steps)\n", res.Message, res.Steps)
	case state.OutcomeSuspended:
		fmt.Fprintln(r.out, "This task needs a plan. Suggested next steps:")
	case state.OutcomeGaveUp, state.OutcomeStepLimit:
		fmt.Fprintf(r.out, "⚠️  %s\n", res.Message)
	default:
		fmt.Fprintf(r.out, "Turn ended: %s %s\n", res.Outcome, res.Message)
	}
}

// progressPrinter renders turn events as they happen.
type progressPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *progressPrinter) OnEvent(ev proto.TurnEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case proto.EventRouted:
		fmt.Fprintf(p.out, "→ %s (%s)\n", ev.Destination, ev.Expertise)
	case proto.EventPlan:
		if ev.Attempt > 0 {
			fmt.Fprintf(p.out, "🔧 Repair attempt %d\n", ev.Attempt)
		}
		fmt.Fprintf(p.out, "--- code ---\n%s\n------------\n", strings.TrimRight(ev.Code, "\n"))
	case proto.EventExecution:
		if ev.Stdout != "" {
			fmt.Fprint(p.out, withNewline(ev.Stdout))
		}
		if ev.Stderr != "" {
			fmt.Fprintf(p.out, "stderr:\n%s", withNewline(ev.Stderr))
		}
		if ev.RichOutputs > 0 {
			fmt.Fprintf(p.out, "(%d rich outputs saved to the notebook)\n", ev.RichOutputs)
		}
		if ev.ExecOutcome != "" && ev.ExecOutcome != string(exec.OutcomeCompleted) {
			fmt.Fprintf(p.out, "⏱  execution %s\n", ev.ExecOutcome)
		}
	case proto.EventClassified:
		fmt.Fprintf(p.out, "→ stderr judged %s\n", ev.Destination)
	case proto.EventSuggestions, proto.EventTerminal:
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
