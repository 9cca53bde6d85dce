package testkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
)

// Responder produces the assistant text for one request. system holds the
// joined system prompt and prompt the last user message.
type Responder func(system, prompt string) string

// MockAnthropicServer creates an httptest server that emulates the Anthropic
// messages endpoint.
func MockAnthropicServer(respond Responder) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var request struct {
			Model  string `json:"model"`
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		var system []string
		for _, s := range request.System {
			system = append(system, s.Text)
		}
		var prompt string
		if n := len(request.Messages); n > 0 {
			for _, c := range request.Messages[n-1].Content {
				prompt += c.Text
			}
		}

		response := map[string]any{
			"id":    "msg_mock_12345",
			"type":  "message",
			"role":  "assistant",
			"model": request.Model,
			"content": []map[string]any{
				{"type": "text", "text": respond(strings.Join(system, "\n\n"), prompt)},
			},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  100,
				"output_tokens": 200,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
}

// MockOllamaServer creates an httptest server that emulates a non-streaming
// Ollama /api/chat endpoint.
func MockOllamaServer(respond Responder) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		var request struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		var system []string
		var prompt string
		for _, m := range request.Messages {
			switch m.Role {
			case "system":
				system = append(system, m.Content)
			case "user":
				prompt = m.Content
			}
		}

		response := map[string]any{
			"model":      request.Model,
			"created_at": "2024-01-01T00:00:00Z",
			"message": map[string]any{
				"role":    "assistant",
				"content": respond(strings.Join(system, "\n\n"), prompt),
			},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 100,
			"eval_count":        50,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
}
