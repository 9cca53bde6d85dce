package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/llmerrors"
	"codeagent/pkg/logx"
	"codeagent/pkg/utils"
)

// UsageExtractor returns token counts for a completed call.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor trusts provider-reported usage and falls back to local counting.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	var sb strings.Builder
	for i := range req.Messages {
		sb.WriteString(req.Messages[i].Content)
		sb.WriteByte('\n')
	}
	return utils.CountTokensSimple(sb.String()), utils.CountTokensSimple(resp.Content)
}

// Middleware records latency, token usage and error type for every call.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				r := Request{
					Model:     next.GetModelName(),
					Operation: req.Operation,
					Duration:  duration,
					Success:   err == nil,
				}
				if err == nil {
					r.PromptTokens, r.CompletionTokens = usageExtractor(req, resp)
				} else {
					r.ErrorType = ErrorType(err)
				}
				recorder.ObserveRequest(r)

				if logger != nil {
					status := "success"
					if err != nil {
						status = "error:" + r.ErrorType
					}
					logger.Debug("LLM request: model=%s op=%s tokens=%d+%d status=%s duration=%dms",
						r.Model, r.Operation, r.PromptTokens, r.CompletionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}

// ErrorType labels an error for metrics.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.HasPrefix(err.Error(), "circuit breaker is"):
		return "circuit_breaker"
	default:
		return llmerrors.TypeOf(err).String()
	}
}
