package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/agent/llmerrors"
	"codeagent/pkg/proto"
	"codeagent/pkg/testkit"
	"codeagent/pkg/triage"
)

func newPlanner(t *testing.T, fake *testkit.FakeLLM) *Planner {
	t.Helper()
	p, err := New(fake, DefaultConfig(), nil)
	require.NoError(t, err)
	return p
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		want      Routing
		expectErr bool
	}{
		{
			name:  "simple task with expertise",
			reply: `{"destination":"simple_task","task_expertise":"data_analysis","reasoning":"one step"}`,
			want:  Routing{Destination: proto.DestSimpleTask, Expertise: proto.ExpertiseDataAnalysis, Reasoning: "one step"},
		},
		{
			name:  "missing expertise defaults to general",
			reply: `{"destination":"complex_task"}`,
			want:  Routing{Destination: proto.DestComplexTask, Expertise: proto.ExpertiseGeneral},
		},
		{
			name:  "fenced reply",
			reply: "```json\n{\"destination\":\"simple_task\",\"task_expertise\":\"visualization\"}\n```",
			want:  Routing{Destination: proto.DestSimpleTask, Expertise: proto.ExpertiseVisualization},
		},
		{
			name:      "unknown destination",
			reply:     `{"destination":"fix_error"}`,
			expectErr: true,
		},
		{
			name:      "unknown expertise",
			reply:     `{"destination":"simple_task","task_expertise":"astrology"}`,
			expectErr: true,
		},
		{
			name:      "malformed json",
			reply:     `{"destination": simple_task`,
			expectErr: true,
		},
		{
			name:      "prose only",
			reply:     "I think this is simple.",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testkit.NewFakeLLM().OnText(StepRoute, tt.reply)
			p := newPlanner(t, fake)

			got, err := p.Route(context.Background(), Request{Task: "plot sales"})
			if tt.expectErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrGenerationService)
				var genErr *GenerationError
				require.True(t, errors.As(err, &genErr))
				assert.Equal(t, StepRoute, genErr.Step)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouteRequestIsStructured(t *testing.T) {
	fake := testkit.NewFakeLLM().OnText(StepRoute, `{"destination":"simple_task"}`)
	p := newPlanner(t, fake)

	_, err := p.Route(context.Background(), Request{Task: "count files in /tmp"})
	require.NoError(t, err)

	reqs := fake.Requests(StepRoute)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSONOutput)
	assert.Contains(t, fake.LastPrompt(StepRoute), "count files in /tmp")
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		want      []string
		expectErr bool
	}{
		{
			name:  "three options",
			reply: `{"options":["load data","clean data","plot data"]}`,
			want:  []string{"load data", "clean data", "plot data"},
		},
		{
			name:  "options are trimmed",
			reply: `{"options":[" a ","b","c","d"]}`,
			want:  []string{"a", "b", "c", "d"},
		},
		{
			name:      "too few",
			reply:     `{"options":["a","b"]}`,
			expectErr: true,
		},
		{
			name:      "too many",
			reply:     `{"options":["a","b","c","d","e","f"]}`,
			expectErr: true,
		},
		{
			name:      "blank options do not count",
			reply:     `{"options":["a","  ","b"]}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlanner(t, testkit.NewFakeLLM().OnText(StepSuggest, tt.reply))
			got, err := p.Suggest(context.Background(), Request{Task: "analyse sales.csv"})
			if tt.expectErr {
				assert.ErrorIs(t, err, ErrGenerationService)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerate(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		want     string
		finished bool
	}{
		{name: "plain code", reply: `{"code":"print(1)"}`, want: "print(1)"},
		{name: "fenced code", reply: `{"code":"` + "```python\\nimport os\\nprint(os.getcwd())\\n```" + `"}`, want: "import os\nprint(os.getcwd())"},
		{name: "finish marker", reply: `{"code":"FINISH","reasoning":"done"}`, want: FinishMarker, finished: true},
		{name: "finish marker any case", reply: `{"code":" finish "}`, want: FinishMarker, finished: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlanner(t, testkit.NewFakeLLM().OnText(StepGenerate, tt.reply))
			plan, err := p.Generate(context.Background(), Request{Task: "t"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Code)
			assert.Equal(t, tt.finished, plan.Finished())
		})
	}
}

func TestGenerateRejectsEmptyCode(t *testing.T) {
	for _, reply := range []string{`{"code":""}`, `{"reasoning":"x"}`, "```python\n```"} {
		p := newPlanner(t, testkit.NewFakeLLM().OnText(StepGenerate, reply))
		_, err := p.Generate(context.Background(), Request{Task: "t"})
		assert.ErrorIs(t, err, ErrGenerationService, reply)
	}
}

func TestGeneratePromptSwitchesToRepair(t *testing.T) {
	fake := testkit.NewFakeLLM().OnText(StepGenerate, `{"code":"print(2)"}`)
	p := newPlanner(t, fake)

	_, err := p.Generate(context.Background(), Request{
		Task:         "t",
		ExecutedCode: "print(x)",
		Stderr:       "NameError: name 'x' is not defined",
	})
	require.NoError(t, err)
	prompt := fake.LastPrompt(StepGenerate)
	assert.Contains(t, prompt, "NameError: name 'x' is not defined")
	assert.Contains(t, prompt, "fixes the error")

	_, err = p.Generate(context.Background(), Request{Task: "t", Stdout: "ok"})
	require.NoError(t, err)
	assert.Contains(t, fake.LastPrompt(StepGenerate), "next single step")
}

func TestGenerateIncludesExpertiseHint(t *testing.T) {
	fake := testkit.NewFakeLLM().OnText(StepGenerate, `{"code":"print(2)"}`)
	p := newPlanner(t, fake)

	_, err := p.Generate(context.Background(), Request{Task: "t", Expertise: proto.ExpertiseDataAnalysis})
	require.NoError(t, err)
	assert.Contains(t, fake.LastPrompt(StepGenerate), "pandas")
}

func TestHistoryBudgetDropsOldestEntries(t *testing.T) {
	fake := testkit.NewFakeLLM().OnText(StepGenerate, `{"code":"print(2)"}`)
	p, err := New(fake, Config{HistoryTokenBudget: 40}, nil)
	require.NoError(t, err)

	history := []string{
		"OLDEST " + strings.Repeat("filler ", 60),
		"MIDDLE entry",
		"NEWEST entry",
	}
	_, err = p.Generate(context.Background(), Request{Task: "t", History: history})
	require.NoError(t, err)

	prompt := fake.LastPrompt(StepGenerate)
	assert.Contains(t, prompt, "NEWEST entry")
	assert.NotContains(t, prompt, "OLDEST")
}

func TestClassifyIsTier2Judge(t *testing.T) {
	fake := testkit.NewFakeLLM().OnText(StepClassify, `{"destination":"no_error","reasoning":"warning only"}`)
	var judge triage.Judge = newPlanner(t, fake)

	dest, err := judge.Classify(context.Background(), triage.Evidence{
		Code:   "import pandas",
		Stderr: "FutureWarning: something changed",
	})
	require.NoError(t, err)
	assert.Equal(t, proto.DestNoError, dest)
	assert.Contains(t, fake.LastPrompt(StepClassify), "FutureWarning")
}

func TestClassifyRejectsRouteDestination(t *testing.T) {
	p := newPlanner(t, testkit.NewFakeLLM().OnText(StepClassify, `{"destination":"simple_task"}`))
	_, err := p.Classify(context.Background(), triage.Evidence{Stderr: "boom"})
	assert.ErrorIs(t, err, ErrGenerationService)
}

func TestTransportErrorIsGenerationFailure(t *testing.T) {
	cause := llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")
	p := newPlanner(t, testkit.NewFakeLLM().OnError(StepRoute, cause))

	_, err := p.Route(context.Background(), Request{Task: "t"})
	assert.ErrorIs(t, err, ErrGenerationService)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
}

func TestExpertiseHintCoversEveryExpertise(t *testing.T) {
	for _, e := range proto.Expertises {
		if e == proto.ExpertiseGeneral {
			assert.Empty(t, ExpertiseHint(e))
			continue
		}
		assert.NotEmpty(t, ExpertiseHint(e), e)
	}
}

func TestExtractJSON(t *testing.T) {
	got, err := extractJSON("Sure! Here it is:\n{\"a\": {\"b\": 1}}\nHope that helps.")
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, got)

	_, err = extractJSON("no braces here")
	assert.Error(t, err)
}
