// Package validation rejects provider responses that carry no content.
package validation

import (
	"context"
	"strings"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/llmerrors"
	"codeagent/pkg/logx"
)

// EmptyResponseMiddleware turns blank completions into ErrorTypeEmptyResponse
// so the retry layer treats them like any other transient failure.
func EmptyResponseMiddleware(logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err //nolint:wrapcheck // pass through unchanged
				}
				if strings.TrimSpace(resp.Content) == "" {
					if logger != nil {
						logger.Warn("empty %s response from %s (stop reason %q)", req.Operation, next.GetModelName(), resp.StopReason)
					}
					return resp, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "model returned no content")
				}
				return resp, nil
			},
			next.GetModelName,
		)
	}
}
