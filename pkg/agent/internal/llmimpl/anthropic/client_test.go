package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/llmerrors"
)

func TestMergeConsecutive(t *testing.T) {
	out := mergeConsecutive([]llm.CompletionMessage{
		llm.NewUserMessage("a"),
		llm.NewUserMessage("b"),
		{Role: llm.RoleAssistant, Content: "c"},
		llm.NewUserMessage("d"),
	})
	require.Len(t, out, 3)
	assert.Equal(t, "a\n\nb", out[0].Content)
	assert.Equal(t, llm.RoleAssistant, out[1].Role)
}

func TestCompleteAgainstServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"destination\":\"simple_task\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":6}}`))
	}))
	defer srv.Close()

	client := NewClaudeClientWithModel("test-key", "claude-test", srv.URL)
	resp, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.CompletionMessage{llm.NewSystemMessage("route"), llm.NewUserMessage("task")},
		MaxTokens: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"destination":"simple_task"}`, resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, "claude-test", client.GetModelName())

	assert.Equal(t, "claude-test", body["model"])
	assert.NotNil(t, body["system"])
}

func TestCompleteAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	client := NewClaudeClientWithModel("bad", "claude-test", srv.URL)
	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.CompletionMessage{llm.NewUserMessage("hi")},
		MaxTokens: 10,
	})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.False(t, llmerrors.IsRetryable(err))
}

func TestCompleteRejectsAssistantFirst(t *testing.T) {
	client := NewClaudeClientWithModel("k", "m", "http://127.0.0.1:1")
	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{{Role: llm.RoleAssistant, Content: "x"}},
	})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
}
