package ratelimit

import (
	"context"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/middleware/metrics"
)

// Middleware waits for the limiter before every call and reports queue time.
func Middleware(limiter *Limiter, recorder metrics.Recorder) llm.Middleware {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				waited, err := limiter.Acquire(ctx)
				if err != nil {
					recorder.IncThrottle(model, "rate_limit")
					return llm.CompletionResponse{}, err
				}
				if waited > 0 {
					recorder.ObserveQueueWait(model, waited)
				}
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}
