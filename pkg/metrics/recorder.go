// Package metrics exposes control-loop metrics to Prometheus and reads
// aggregates back for reporting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"codeagent/pkg/exec"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
)

// Metric names shared by the recorder and the query service.
const (
	MetricSteps             = "codeagent_steps_total"
	MetricStepDuration      = "codeagent_step_duration_seconds"
	MetricExecutions        = "codeagent_executions_total"
	MetricExecutionDuration = "codeagent_execution_duration_seconds"
	MetricTurns             = "codeagent_turns_total"
	MetricRepairs           = "codeagent_repairs_total"
	MetricLLMTokens         = "llm_tokens_total"
	MetricLLMRequests       = "llm_requests_total"
)

// AgentRecorder records state machine activity.
type AgentRecorder struct {
	steps             *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	turns             *prometheus.CounterVec
	repairs           prometheus.Counter
}

// NewAgentRecorder registers the agent metrics with reg.
// A nil registerer uses the default registry.
func NewAgentRecorder(reg prometheus.Registerer) *AgentRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &AgentRecorder{
		steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSteps,
				Help: "Control loop steps by state and status",
			},
			[]string{"state", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricStepDuration,
				Help:    "Duration of control loop steps in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricExecutions,
				Help: "Code executions by outcome",
			},
			[]string{"outcome"},
		),
		executionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricExecutionDuration,
				Help:    "Duration of code executions in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTurns,
				Help: "Finished turns by outcome",
			},
			[]string{"outcome"},
		),
		repairs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRepairs,
				Help: "Repair attempts started",
			},
		),
	}
}

// ObserveStep records one state handler run.
func (r *AgentRecorder) ObserveStep(s proto.State, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.steps.WithLabelValues(string(s), status).Inc()
	r.stepDuration.WithLabelValues(string(s)).Observe(d.Seconds())
}

// ObserveExecution records one interpreter round trip.
func (r *AgentRecorder) ObserveExecution(outcome exec.Outcome, d time.Duration) {
	r.executions.WithLabelValues(string(outcome)).Inc()
	r.executionDuration.Observe(d.Seconds())
}

// ObserveTurn records how a turn ended.
func (r *AgentRecorder) ObserveTurn(outcome state.TurnOutcome) {
	r.turns.WithLabelValues(string(outcome)).Inc()
}

// IncRepair counts a repair attempt.
func (r *AgentRecorder) IncRepair() {
	r.repairs.Inc()
}
