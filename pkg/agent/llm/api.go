// Package llm defines the provider-neutral completion interface used by the planner.
package llm

import (
	"context"
	"strings"
)

// CompletionRole represents the role of a message in a completion request.
type CompletionRole string

const (
	// RoleSystem carries instructions for the model.
	RoleSystem CompletionRole = "system"
	// RoleUser carries the task, code and execution evidence.
	RoleUser CompletionRole = "user"
	// RoleAssistant carries earlier model replies.
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage is a single message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole
	Content string
}

// CompletionRequest is a provider-neutral completion call.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
	// JSONOutput asks providers that support it to constrain output to a JSON object.
	JSONOutput bool
	// Operation labels the planner call (route, suggest, generate, classify) for metrics.
	Operation string
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is the result of a completion call.
type CompletionResponse struct {
	Content    string
	StopReason string
	Usage      Usage
}

// LLMClient is implemented by every provider client and middleware.
type LLMClient interface {
	// Complete performs a single completion.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// GetModelName returns the model identifier used for metrics and logging.
	GetModelName() string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: 0.2,
	}
}

// SplitSystem separates system messages from the conversation.
// Multiple system messages are joined with a blank line.
func SplitSystem(messages []CompletionMessage) (system string, rest []CompletionMessage) {
	var parts []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

// Flatten renders a conversation as a single prompt for providers without message roles.
func Flatten(messages []CompletionMessage) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if m.Role != RoleUser {
			sb.WriteString(strings.ToUpper(string(m.Role)))
			sb.WriteString(": ")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}
