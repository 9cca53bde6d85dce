package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/agent/llm"
	"codeagent/pkg/agent/llmerrors"
)

func TestCompleteAgainstServer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"{\"code\":\"print(1)\"}"},"done":true,"done_reason":"stop","prompt_eval_count":11,"eval_count":4}` + "\n"))
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "llama3")
	resp, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:   []llm.CompletionMessage{llm.NewSystemMessage("json only"), llm.NewUserMessage("go")},
		MaxTokens:  100,
		JSONOutput: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"code":"print(1)"}`, resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 11, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)

	assert.Equal(t, "llama3", got["model"])
	assert.Equal(t, "json", got["format"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestCompleteClassifiesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "nope")
	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("hi")},
	})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))
}

func TestCompleteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := NewOllamaClientWithModel(addr, "m")
	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("hi")},
	})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

func TestDefaultHost(t *testing.T) {
	c, ok := NewOllamaClientWithModel("", "m").(*Client)
	require.True(t, ok)
	assert.Equal(t, DefaultHost, c.hostURL)
	assert.Equal(t, "m", c.GetModelName())
}
