// Package planner talks to the generation service. Each step renders a
// prompt, asks for a JSON object, validates it against a schema and maps
// it onto closed types. Any failure is a *GenerationError.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/logx"
	"codeagent/pkg/proto"
	"codeagent/pkg/templates"
	"codeagent/pkg/triage"
	"codeagent/pkg/utils"
)

// FinishMarker is the code value that ends a turn without executing anything.
const FinishMarker = "FINISH"

// Option count bounds for Suggest.
const (
	MinOptions = 3
	MaxOptions = 5
)

// Step names, also used as the LLM operation label.
const (
	StepRoute    = "route"
	StepSuggest  = "suggest"
	StepGenerate = "generate"
	StepClassify = "classify"
)

// Config tunes prompt construction.
type Config struct {
	MaxTokens   int
	Temperature float32
	// HistoryTokenBudget bounds the history section; older entries are dropped first.
	// Zero keeps everything.
	HistoryTokenBudget int
	// OutputTokenBudget bounds stdout and stderr, keeping the tail.
	OutputTokenBudget int
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		MaxTokens:          4096,
		HistoryTokenBudget: 6000,
		OutputTokenBudget:  2000,
	}
}

// Request is the context shared by all steps.
type Request struct {
	Task         string
	Expertise    proto.Expertise
	RecentCells  string
	History      []string
	ExecutedCode string
	Stdout       string
	Stderr       string
}

// Routing is the Route step's verdict.
type Routing struct {
	Destination proto.Destination
	Expertise   proto.Expertise
	Reasoning   string
}

// CodePlan is the Generate step's result.
type CodePlan struct {
	Code      string
	Reasoning string
}

// Finished reports whether the plan is the completion sentinel.
func (p CodePlan) Finished() bool {
	return p.Code == FinishMarker
}

// Planner implements Route, Suggest, Generate and Classify.
type Planner struct {
	client   llm.LLMClient
	renderer *templates.Renderer
	schemas  *schemas
	counter  *utils.TokenCounter
	config   Config
	logger   *logx.Logger
}

// New creates a planner backed by client.
func New(client llm.LLMClient, cfg Config, logger *logx.Logger) (*Planner, error) {
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, err
	}
	sch, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if logger == nil {
		logger = logx.NewLogger("planner")
	}
	return &Planner{
		client:   client,
		renderer: renderer,
		schemas:  sch,
		counter:  utils.SharedCounter(),
		config:   cfg,
		logger:   logger,
	}, nil
}

// Route decides between a direct Generate and a Suggest round, and labels the task.
func (p *Planner) Route(ctx context.Context, req Request) (Routing, error) {
	var resp struct {
		Destination string `json:"destination"`
		Expertise   string `json:"task_expertise"`
		Reasoning   string `json:"reasoning"`
	}
	if err := p.ask(ctx, StepRoute, templates.RouteSystemTemplate, templates.RouteUserTemplate, req, p.schemas.route, &resp); err != nil {
		return Routing{}, err
	}

	dest, err := proto.ParseDestination(resp.Destination, proto.RouteDestinations)
	if err != nil {
		return Routing{}, stepError(StepRoute, err)
	}
	exp, err := proto.ParseExpertise(resp.Expertise)
	if err != nil {
		return Routing{}, stepError(StepRoute, err)
	}
	p.logger.Debug("route: %s/%s (%s)", dest, exp, resp.Reasoning)
	return Routing{Destination: dest, Expertise: exp, Reasoning: resp.Reasoning}, nil
}

// Suggest proposes 3 to 5 follow-up tasks.
func (p *Planner) Suggest(ctx context.Context, req Request) ([]string, error) {
	var resp struct {
		Options []string `json:"options"`
	}
	if err := p.ask(ctx, StepSuggest, templates.SuggestSystemTemplate, templates.SuggestUserTemplate, req, p.schemas.suggest, &resp); err != nil {
		return nil, err
	}

	options := make([]string, 0, len(resp.Options))
	for _, o := range resp.Options {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return nil, stepError(StepSuggest, fmt.Errorf("got %d usable options, want %d-%d", len(options), MinOptions, MaxOptions))
	}
	return options, nil
}

// Generate produces the next code cell. When req.Stderr is set the prompt
// asks only for a fix.
func (p *Planner) Generate(ctx context.Context, req Request) (CodePlan, error) {
	var resp struct {
		Code      string `json:"code"`
		Reasoning string `json:"reasoning"`
	}
	if err := p.ask(ctx, StepGenerate, templates.GenerateSystemTemplate, templates.GenerateUserTemplate, req, p.schemas.generate, &resp); err != nil {
		return CodePlan{}, err
	}

	code := stripCodeFence(resp.Code)
	if code == "" {
		return CodePlan{}, stepError(StepGenerate, fmt.Errorf("empty code"))
	}
	if strings.EqualFold(code, FinishMarker) {
		code = FinishMarker
	}
	return CodePlan{Code: code, Reasoning: strings.TrimSpace(resp.Reasoning)}, nil
}

// Classify is the Tier 2 judge.
func (p *Planner) Classify(ctx context.Context, ev triage.Evidence) (proto.Destination, error) {
	var resp struct {
		Destination string `json:"destination"`
		Reasoning   string `json:"reasoning"`
	}
	req := Request{ExecutedCode: ev.Code, Stdout: ev.Stdout, Stderr: ev.Stderr}
	if err := p.ask(ctx, StepClassify, templates.ClassifySystemTemplate, templates.ClassifyUserTemplate, req, p.schemas.classify, &resp); err != nil {
		return "", err
	}
	dest, err := proto.ParseDestination(resp.Destination, proto.ClassifyDestinations)
	if err != nil {
		return "", stepError(StepClassify, err)
	}
	p.logger.Debug("classify: %s (%s)", dest, resp.Reasoning)
	return dest, nil
}

var _ triage.Judge = (*Planner)(nil)

func (p *Planner) ask(ctx context.Context, step string, system, user templates.StateTemplate, req Request, sch *jsonschema.Schema, out any) error {
	data := p.templateData(req)
	sys, err := p.renderer.Render(system, data)
	if err != nil {
		return stepError(step, err)
	}
	usr, err := p.renderer.Render(user, data)
	if err != nil {
		return stepError(step, err)
	}

	resp, err := p.client.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage(sys), llm.NewUserMessage(usr)},
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
		JSONOutput:  true,
		Operation:   step,
	})
	if err != nil {
		return stepError(step, err)
	}
	if err := decode(resp.Content, sch, out); err != nil {
		p.logger.Warn("%s: unusable response: %v", step, err)
		return stepError(step, err)
	}
	return nil
}

func (p *Planner) templateData(req Request) *templates.TemplateData {
	expertises := make([]string, len(proto.Expertises))
	for i, e := range proto.Expertises {
		expertises[i] = string(e)
	}
	history := req.History
	if p.config.HistoryTokenBudget > 0 {
		history = p.counter.KeepRecent(history, p.config.HistoryTokenBudget)
	}
	stdout, stderr := req.Stdout, req.Stderr
	if p.config.OutputTokenBudget > 0 {
		stdout = p.counter.TruncateTail(stdout, p.config.OutputTokenBudget)
		stderr = p.counter.TruncateTail(stderr, p.config.OutputTokenBudget)
	}
	return &templates.TemplateData{
		Task:          req.Task,
		Expertises:    expertises,
		ExpertiseHint: ExpertiseHint(req.Expertise),
		RecentCells:   req.RecentCells,
		History:       strings.Join(history, "\n\n"),
		ExecutedCode:  req.ExecutedCode,
		Stdout:        stdout,
		Stderr:        stderr,
		FinishMarker:  FinishMarker,
		MinOptions:    MinOptions,
		MaxOptions:    MaxOptions,
	}
}

// ExpertiseHint returns the generation focus for an expertise label.
func ExpertiseHint(e proto.Expertise) string {
	switch e {
	case proto.ExpertiseFileSystem:
		return "Use os, pathlib and shutil. Print paths and sizes so the result is visible; never delete files unless asked."
	case proto.ExpertiseDataAnalysis:
		return "Use pandas. Inspect shape, dtypes and a head() before transforming, and print summaries rather than whole frames."
	case proto.ExpertiseVisualization:
		return "Use matplotlib (run %matplotlib inline first) or seaborn. Label axes and give every figure a title."
	case proto.ExpertiseMachineLearning:
		return "Use scikit-learn unless the task names another library. Split train/test data and report a metric."
	case proto.ExpertiseGeneral, "":
		return ""
	}
	return ""
}

// stripCodeFence removes a Markdown fence some models put around the code value.
func stripCodeFence(code string) string {
	s := strings.TrimSpace(code)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
