package circuit

import (
	"context"
	"errors"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/llmerrors"
)

// Middleware rejects requests while the breaker is open. Request errors
// (auth, bad prompt) and caller cancellation do not count as provider failures.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					return llm.CompletionResponse{}, &Error{State: breaker.State()}
				}

				resp, err := next.Complete(ctx, req)
				switch {
				case err == nil:
					breaker.Record(true)
				case errors.Is(err, context.Canceled),
					llmerrors.Is(err, llmerrors.ErrorTypeAuth),
					llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt):
				default:
					breaker.Record(false)
				}
				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}
