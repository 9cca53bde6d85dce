package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/llmerrors"
)

func TestEmptyResponseMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"content", `{"code":"1"}`, false},
		{"empty", "", true},
		{"whitespace", "  \n\t", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := EmptyResponseMiddleware(nil)(llm.WrapClient(
				func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
					return llm.CompletionResponse{Content: tt.content}, nil
				},
				func() string { return "m" },
			))
			_, err := client.Complete(context.Background(), llm.CompletionRequest{})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
				assert.True(t, llmerrors.IsRetryable(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
