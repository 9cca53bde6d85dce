package agent

import (
	"fmt"

	"codeagent/pkg/agent/internal/llmimpl/anthropic"
	"codeagent/pkg/agent/internal/llmimpl/google"
	"codeagent/pkg/agent/internal/llmimpl/ollama"
	"codeagent/pkg/agent/internal/llmimpl/openaiofficial"
	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/middleware/metrics"
	"codeagent/pkg/agent/middleware/resilience/circuit"
	"codeagent/pkg/agent/middleware/resilience/ratelimit"
	"codeagent/pkg/agent/middleware/resilience/retry"
	"codeagent/pkg/agent/middleware/resilience/timeout"
	"codeagent/pkg/agent/middleware/validation"
	"codeagent/pkg/config"
	"codeagent/pkg/logx"
)

// LLMClient is re-exported so callers need not import pkg/agent/llm for the interface.
type LLMClient = llm.LLMClient

// LLMClientFactory creates LLM clients wrapped in the resilience chain.
type LLMClientFactory struct {
	config          config.LLMConfig
	metricsRecorder metrics.Recorder
	breaker         *circuit.Breaker
	limiter         *ratelimit.Limiter
	logger          *logx.Logger
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg config.LLMConfig, recorder metrics.Recorder, logger *logx.Logger) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if logger == nil {
		logger = logx.NewLogger("llm")
	}
	return &LLMClientFactory{
		config:          cfg,
		metricsRecorder: recorder,
		breaker:         circuit.New(circuit.DefaultConfig),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		logger: logger,
	}
}

// CreateClient builds the raw provider client for the configured model and
// wraps it. The API key comes from the secrets file or environment.
func (f *LLMClientFactory) CreateClient() (LLMClient, error) {
	provider := f.config.Provider
	if provider == "" {
		p, err := config.GetModelProvider(f.config.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to determine provider for model %s: %w", f.config.Model, err)
		}
		provider = p
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	var raw LLMClient
	switch provider {
	case config.ProviderAnthropic:
		raw = anthropic.NewClaudeClientWithModel(apiKey, f.config.Model, f.config.BaseURL)
	case config.ProviderOpenAI:
		raw = openaiofficial.NewOfficialClientWithModel(apiKey, f.config.Model, f.config.BaseURL)
	case config.ProviderGoogle:
		raw = google.NewGeminiClientWithModel(apiKey, f.config.Model)
	case config.ProviderOllama:
		host := apiKey
		if f.config.BaseURL != "" {
			host = f.config.BaseURL
		}
		raw = ollama.NewOllamaClientWithModel(host, f.config.Model)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	return f.Wrap(raw), nil
}

// Wrap applies the middleware chain to raw:
//
//	Metrics -> CircuitBreaker -> Retry -> EmptyResponse -> RateLimit -> Timeout -> raw
func (f *LLMClientFactory) Wrap(raw LLMClient) LLMClient {
	jitter := f.config.Retry.Jitter == nil || *f.config.Retry.Jitter
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   f.config.Retry.MaxAttempts,
		InitialDelay:  f.config.Retry.InitialDelay,
		MaxDelay:      f.config.Retry.MaxDelay,
		BackoffFactor: f.config.Retry.BackoffFactor,
		Jitter:        jitter,
	}, nil)

	return llm.Chain(raw,
		metrics.Middleware(f.metricsRecorder, nil, f.logger),
		circuit.Middleware(f.breaker),
		retry.Middleware(policy, f.logger),
		validation.EmptyResponseMiddleware(f.logger),
		ratelimit.Middleware(f.limiter, f.metricsRecorder),
		timeout.Middleware(f.config.Timeout),
	)
}
