// Package testkit provides scripted fakes for the language model and the
// interpreter, plus httptest servers that emulate provider endpoints.
package testkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"codeagent/pkg/agent/llm"
)

// ErrUnscripted is returned when FakeLLM receives an operation it has no reply for.
var ErrUnscripted = errors.New("testkit: no scripted reply")

// Reply is one scripted completion.
type Reply struct {
	Content string
	Err     error
}

// FakeLLM replays scripted replies keyed by CompletionRequest.Operation.
// The last reply queued for an operation repeats once the queue drains.
type FakeLLM struct {
	mu       sync.Mutex
	model    string
	scripts  map[string][]Reply
	requests []llm.CompletionRequest
}

// NewFakeLLM returns an empty fake.
func NewFakeLLM() *FakeLLM {
	return &FakeLLM{model: "fake-model", scripts: make(map[string][]Reply)}
}

// On queues raw replies for an operation.
func (f *FakeLLM) On(operation string, replies ...Reply) *FakeLLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[operation] = append(f.scripts[operation], replies...)
	return f
}

// OnText queues plain-text replies for an operation.
func (f *FakeLLM) OnText(operation string, contents ...string) *FakeLLM {
	replies := make([]Reply, 0, len(contents))
	for _, c := range contents {
		replies = append(replies, Reply{Content: c})
	}
	return f.On(operation, replies...)
}

// OnJSON queues JSON-encoded replies for an operation. It panics on values
// that cannot be marshalled, which only happens with broken test fixtures.
func (f *FakeLLM) OnJSON(operation string, values ...any) *FakeLLM {
	replies := make([]Reply, 0, len(values))
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("testkit: marshal %s reply: %v", operation, err))
		}
		replies = append(replies, Reply{Content: string(data)})
	}
	return f.On(operation, replies...)
}

// OnError queues a failing reply for an operation.
func (f *FakeLLM) OnError(operation string, err error) *FakeLLM {
	return f.On(operation, Reply{Err: err})
}

// Complete implements llm.LLMClient.
func (f *FakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.CompletionResponse{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	queue := f.scripts[req.Operation]
	if len(queue) == 0 {
		return llm.CompletionResponse{}, fmt.Errorf("%w for operation %q", ErrUnscripted, req.Operation)
	}
	reply := queue[0]
	if len(queue) > 1 {
		f.scripts[req.Operation] = queue[1:]
	}
	if reply.Err != nil {
		return llm.CompletionResponse{}, reply.Err
	}
	return llm.CompletionResponse{Content: reply.Content, StopReason: "stop"}, nil
}

// GetModelName implements llm.LLMClient.
func (f *FakeLLM) GetModelName() string { return f.model }

// Requests returns the requests received for an operation, or all of them
// when operation is empty.
func (f *FakeLLM) Requests(operation string) []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []llm.CompletionRequest
	for _, r := range f.requests {
		if operation == "" || r.Operation == operation {
			out = append(out, r)
		}
	}
	return out
}

// Calls counts requests for an operation.
func (f *FakeLLM) Calls(operation string) int {
	return len(f.Requests(operation))
}

// LastPrompt returns the concatenated message contents of the most recent
// request for an operation.
func (f *FakeLLM) LastPrompt(operation string) string {
	reqs := f.Requests(operation)
	if len(reqs) == 0 {
		return ""
	}
	return llm.Flatten(reqs[len(reqs)-1].Messages)
}
