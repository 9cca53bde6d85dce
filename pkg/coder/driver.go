package coder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codeagent/pkg/agent"
	"codeagent/pkg/config"
	"codeagent/pkg/exec"
	"codeagent/pkg/logx"
	"codeagent/pkg/planner"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
	"codeagent/pkg/triage"
)

const tracerName = "codeagent/coder"

// MetaOutcome is the notification metadata key carrying a terminal outcome.
const MetaOutcome = "outcome"

// Messages reported with a terminal outcome.
const (
	MsgTaskCompleted      = "task completed"
	MsgExecutionCompleted = "execution completed"
	MsgBenignStderr       = "execution completed; stderr judged benign"
	MsgSuspended          = "choose the next task"
)

// Planner is the generation side of the machine. *planner.Planner implements it.
type Planner interface {
	Route(ctx context.Context, req planner.Request) (planner.Routing, error)
	Suggest(ctx context.Context, req planner.Request) ([]string, error)
	Generate(ctx context.Context, req planner.Request) (planner.CodePlan, error)
}

// Config bounds a turn.
type Config struct {
	// MaxRepairAttempts caps Classify -> Generate loops per turn. Zero disables the cap.
	MaxRepairAttempts int
	// MaxStepsPerTurn caps transitions per turn. Zero disables the cap.
	MaxStepsPerTurn int
	// FailFast gives up when a repair reproduces the previous error.
	FailFast bool
	// RecentCells is how many notebook code cells feed generation prompts.
	RecentCells int
}

// ConfigFrom maps the agent section of the configuration file.
func ConfigFrom(a config.AgentConfig) Config {
	return Config{
		MaxRepairAttempts: a.MaxRepairAttempts,
		MaxStepsPerTurn:   a.MaxStepsPerTurn,
		FailFast:          a.FailFast(),
		RecentCells:       a.RecentCells,
	}
}

// Deps are the collaborators of a Driver. Store, Planner and Kernel are
// required. Judge defaults to Planner when it implements triage.Judge.
// Tracing uses the global provider unless Tracing is set.
type Deps struct {
	Store    state.Store
	Planner  Planner
	Judge    triage.Judge
	Kernel   exec.Kernel
	Observer Observer
	Recorder Recorder
	Tracing  trace.TracerProvider
	Logger   *logx.Logger
}

// TurnResult summarises a finished or suspended turn.
type TurnResult struct {
	SessionID      string
	Outcome        state.TurnOutcome
	Message        string
	Code           string
	Stdout         string
	Stderr         string
	ExecOutcome    exec.Outcome
	Options        []string
	Steps          int
	RepairAttempts int
	// Err is ErrRepairBudgetExceeded, ErrRepeatedFailure or ErrStepLimit
	// when the turn stopped on a budget. Fatal errors are returned instead.
	Err error
}

// Suspended reports whether the turn halted at Suggest.
func (r *TurnResult) Suspended() bool {
	return r.Outcome == state.OutcomeSuspended
}

// Driver runs turns for one session. It is not safe for concurrent turns;
// the session layer serializes them.
type Driver struct {
	*agent.BaseStateMachine

	planner  Planner
	triage   *triage.Pipeline
	kernel   exec.Kernel
	observer Observer
	recorder Recorder
	tracer   trace.Tracer
	config   Config
	logger   *logx.Logger

	st          *state.SessionState
	steps       int
	stopErr     error
	lastFailure string
}

// NewDriver loads the session from deps.Store and positions the machine at
// its checkpointed state. The session must already be initialized.
func NewDriver(ctx context.Context, sessionID string, deps Deps, cfg Config) (*Driver, error) {
	if deps.Store == nil || deps.Planner == nil || deps.Kernel == nil {
		return nil, fmt.Errorf("coder: store, planner and kernel are required")
	}
	judge := deps.Judge
	if judge == nil {
		j, ok := deps.Planner.(triage.Judge)
		if !ok {
			return nil, fmt.Errorf("coder: no triage judge configured")
		}
		judge = j
	}
	logger := deps.Logger
	if logger == nil {
		logger = logx.NewLogger("coder")
	}
	logger = logger.WithSession(sessionID)
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	tp := deps.Tracing
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	st, err := deps.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	initial := st.Current
	if initial == "" {
		initial = proto.StateTerminated
	}

	return &Driver{
		BaseStateMachine: agent.NewBaseStateMachine(sessionID, initial, deps.Store, CoderTransitions, logger),
		planner:          deps.Planner,
		triage:           triage.NewPipeline(judge),
		kernel:           deps.Kernel,
		observer:         deps.Observer,
		recorder:         recorder,
		tracer:           tp.Tracer(tracerName),
		config:           cfg,
		logger:           logger,
		st:               st,
	}, nil
}

// State returns the last checkpointed session state.
func (d *Driver) State() *state.SessionState {
	return d.st
}

// Submit starts a turn for a new task at Route. Suggestions from an earlier
// turn are cleared. A turn left unfinished by a crash is abandoned.
func (d *Driver) Submit(ctx context.Context, task string) (*TurnResult, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, ErrEmptyTask
	}
	switch cur := d.GetCurrentState(); cur {
	case proto.StateTerminated, proto.StateSuggest:
	default:
		d.logger.Warn("abandoning interrupted turn at %s", cur)
		d.Reset(proto.StateTerminated)
	}
	return d.runTurn(ctx, "submit", proto.StateRoute, state.StepOutput{
		Task:             state.Ref(task),
		SuggestedOptions: []string{},
	})
}

// Resume continues a session suspended at Suggest with the chosen task,
// going straight to Generate.
func (d *Driver) Resume(ctx context.Context, task string) (*TurnResult, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, ErrEmptyTask
	}
	if d.GetCurrentState() != proto.StateSuggest || !d.st.Suspended {
		return nil, fmt.Errorf("%w (state %s)", ErrNotSuspended, d.GetCurrentState())
	}
	return d.runTurn(ctx, "resume", proto.StateGenerate, state.StepOutput{
		Task: state.Ref(task),
	})
}

//nolint:gocritic // StepOutput literals are built per call
func (d *Driver) runTurn(ctx context.Context, kind string, entry proto.State, out state.StepOutput) (*TurnResult, error) {
	ctx = logx.ContextWithSession(ctx, d.SessionID())
	ctx, span := d.tracer.Start(ctx, "coder.turn", trace.WithAttributes(
		attribute.String("session.id", d.SessionID()),
		attribute.String("turn.kind", kind),
	))
	defer span.End()

	d.steps = 0
	d.stopErr = nil
	d.lastFailure = ""

	out.PendingCode = state.Ref("")
	out.LastStderr = state.Ref("")
	out.RepairAttempts = state.Ref(0)
	out.Suspended = state.Ref(false)
	out.Outcome = state.Ref(state.OutcomeNone)
	out.Message = state.Ref("")

	d.logger.Info("%s: %s", kind, *out.Task)
	if err := d.transition(ctx, entry, out); err != nil {
		return d.fail(ctx, span, err)
	}

	for {
		done, err := d.ProcessState(ctx)
		if err != nil {
			return d.fail(ctx, span, err)
		}
		if done {
			break
		}
	}
	return d.finish(span), nil
}

// ProcessState runs the handler of the current state. It reports done when
// the machine reached Terminated or suspended at Suggest.
func (d *Driver) ProcessState(ctx context.Context) (bool, error) {
	cur := d.GetCurrentState()
	if cur == proto.StateTerminated {
		return true, nil
	}

	ctx, span := d.tracer.Start(ctx, "coder."+strings.ToLower(cur.String()))
	defer span.End()
	start := time.Now()

	var err error
	suspended := false
	switch cur {
	case proto.StateRoute:
		err = d.handleRoute(ctx)
	case proto.StateSuggest:
		err = d.handleSuggest(ctx)
		suspended = err == nil
	case proto.StateGenerate:
		err = d.handleGenerate(ctx)
	case proto.StateExecute:
		err = d.handleExecute(ctx)
	case proto.StateClassify:
		err = d.handleClassify(ctx)
	case proto.StateTerminated:
	default:
		err = fmt.Errorf("unknown state: %s", cur)
	}

	d.recorder.ObserveStep(cur, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("%s: %w", cur, err)
	}
	return suspended || d.GetCurrentState() == proto.StateTerminated, nil
}

// transition checkpoints out and moves to `to`. When the turn has used its
// step allowance the move is redirected to Terminated with outcome
// step_limit, still merging out.
//
//nolint:gocritic // see runTurn
func (d *Driver) transition(ctx context.Context, to proto.State, out state.StepOutput) error {
	if to != proto.StateTerminated && d.config.MaxStepsPerTurn > 0 && d.steps >= d.config.MaxStepsPerTurn {
		d.logger.Warn("step limit %d reached before %s", d.config.MaxStepsPerTurn, to)
		d.stopErr = ErrStepLimit
		to = proto.StateTerminated
		out.Outcome = state.Ref(state.OutcomeStepLimit)
		out.Message = state.Ref(fmt.Sprintf("stopped after %d steps without finishing the task", d.steps))
		out.Suspended = state.Ref(false)
	}

	d.steps++
	out.Steps = state.Ref(d.steps)
	var meta map[string]any
	if out.Outcome != nil && *out.Outcome != state.OutcomeNone {
		meta = map[string]any{MetaOutcome: string(*out.Outcome)}
	}
	st, err := d.TransitionTo(ctx, to, out, meta)
	if err != nil {
		return err
	}
	d.st = st
	return nil
}

//nolint:gocritic // see runTurn
func (d *Driver) terminate(ctx context.Context, outcome state.TurnOutcome, msg string, out state.StepOutput) error {
	out.Outcome = state.Ref(outcome)
	out.Message = state.Ref(msg)
	out.Suspended = state.Ref(false)
	return d.transition(ctx, proto.StateTerminated, out)
}

// fail records a fatal step error as outcome failed. The checkpoint is
// written even if ctx was cancelled.
func (d *Driver) fail(ctx context.Context, span trace.Span, cause error) (*TurnResult, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	d.logger.Error("turn failed: %v", cause)

	if d.GetCurrentState() != proto.StateTerminated {
		if err := d.terminate(context.WithoutCancel(ctx), state.OutcomeFailed, cause.Error(), state.StepOutput{}); err != nil {
			d.logger.Error("failed to checkpoint failure: %v", err)
			d.Reset(proto.StateTerminated)
		}
	}
	res := d.finish(span)
	if res.Outcome != state.OutcomeFailed {
		res.Outcome = state.OutcomeFailed
		res.Message = cause.Error()
	}
	return res, cause
}

func (d *Driver) finish(span trace.Span) *TurnResult {
	res := d.result()
	span.SetAttributes(
		attribute.String("turn.outcome", string(res.Outcome)),
		attribute.Int("turn.steps", res.Steps),
		attribute.Int("turn.repairs", res.RepairAttempts),
	)
	d.recorder.ObserveTurn(res.Outcome)
	if !res.Suspended() {
		d.emit(proto.TurnEvent{
			Kind:    proto.EventTerminal,
			Outcome: string(res.Outcome),
			Message: res.Message,
		})
	}
	d.logger.Info("turn ended: %s (%d steps, %d repairs)", res.Outcome, res.Steps, res.RepairAttempts)
	return res
}

func (d *Driver) result() *TurnResult {
	st := d.st
	res := &TurnResult{
		SessionID:      d.SessionID(),
		Outcome:        st.Outcome,
		Message:        st.Message,
		Code:           st.LastExecutedCode,
		Stdout:         st.LastStdout,
		Stderr:         st.LastStderr,
		ExecOutcome:    st.LastExecOutcome,
		Steps:          st.Steps,
		RepairAttempts: st.RepairAttempts,
		Err:            d.stopErr,
	}
	if st.Suspended {
		res.Options = append([]string(nil), st.SuggestedOptions...)
	}
	return res
}

func (d *Driver) request() planner.Request {
	st := d.st
	recent := ""
	if st.Document != nil {
		recent = st.Document.FormatRecent(d.config.RecentCells)
	}
	return planner.Request{
		Task:         st.Task,
		Expertise:    st.TaskExpertise,
		RecentCells:  recent,
		History:      st.History,
		ExecutedCode: st.LastExecutedCode,
		Stdout:       st.LastStdout,
		Stderr:       st.LastStderr,
	}
}

func (d *Driver) emit(ev proto.TurnEvent) {
	if d.observer == nil {
		return
	}
	ev.SessionID = d.SessionID()
	ev.State = d.GetCurrentState()
	ev.Timestamp = time.Now().UTC()
	d.observer.OnEvent(ev)
}

// IsBudgetStop reports whether err is one of the budget errors a TurnResult carries.
func IsBudgetStop(err error) bool {
	return errors.Is(err, ErrRepairBudgetExceeded) || errors.Is(err, ErrRepeatedFailure) || errors.Is(err, ErrStepLimit)
}
