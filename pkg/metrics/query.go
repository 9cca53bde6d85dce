package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentMetrics aggregates control loop activity scraped by Prometheus.
type AgentMetrics struct {
	Turns            map[string]int64 `json:"turns"`
	Executions       map[string]int64 `json:"executions"`
	Repairs          int64            `json:"repairs"`
	FailedSteps      int64            `json:"failed_steps"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
}

// ModelUsage is token usage for one model.
type ModelUsage struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		queryAPI: v1.NewAPI(client),
		now:      time.Now,
	}, nil
}

// GetAgentMetrics retrieves totals across every session that reported to Prometheus.
func (q *QueryService) GetAgentMetrics(ctx context.Context) (*AgentMetrics, error) {
	m := &AgentMetrics{}
	var err error

	if m.Turns, err = q.sumBy(ctx, MetricTurns, "outcome"); err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	if m.Executions, err = q.sumBy(ctx, MetricExecutions, "outcome"); err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	if m.Repairs, err = q.scalar(ctx, fmt.Sprintf(`sum(%s)`, MetricRepairs)); err != nil {
		return nil, fmt.Errorf("failed to query repairs: %w", err)
	}
	if m.FailedSteps, err = q.scalar(ctx, fmt.Sprintf(`sum(%s{status="error"})`, MetricSteps)); err != nil {
		return nil, fmt.Errorf("failed to query failed steps: %w", err)
	}
	if m.PromptTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(%s{type="prompt"})`, MetricLLMTokens)); err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if m.CompletionTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(%s{type="completion"})`, MetricLLMTokens)); err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	m.TotalTokens = m.PromptTokens + m.CompletionTokens
	return m, nil
}

// GetUsageByModel breaks LLM usage down per model, sorted by model name.
func (q *QueryService) GetUsageByModel(ctx context.Context) ([]ModelUsage, error) {
	requests, err := q.sumBy(ctx, MetricLLMRequests, "model")
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	prompt, err := q.sumBy(ctx, MetricLLMTokens+`{type="prompt"}`, "model")
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	completion, err := q.sumBy(ctx, MetricLLMTokens+`{type="completion"}`, "model")
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}

	names := make(map[string]struct{})
	for _, src := range []map[string]int64{requests, prompt, completion} {
		for name := range src {
			names[name] = struct{}{}
		}
	}
	usage := make([]ModelUsage, 0, len(names))
	for name := range names {
		usage = append(usage, ModelUsage{
			Model:            name,
			Requests:         requests[name],
			PromptTokens:     prompt[name],
			CompletionTokens: completion[name],
		})
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].Model < usage[j].Model })
	return usage, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}

func (q *QueryService) sumBy(ctx context.Context, selector, label string) (map[string]int64, error) {
	query := fmt.Sprintf(`sum by (%s) (%s)`, label, selector)
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			out[string(sample.Metric[model.LabelName(label)])] = int64(sample.Value)
		}
	}
	return out, nil
}
