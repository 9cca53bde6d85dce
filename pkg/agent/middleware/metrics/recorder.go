// Package metrics records LLM call metrics.
package metrics

import "time"

// Request describes one completed provider call.
type Request struct {
	Model            string
	Operation        string
	ErrorType        string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Success          bool
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(r Request)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(model, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(model string, duration time.Duration)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder.
func Nop() Recorder {
	return NoopRecorder{}
}

// ObserveRequest does nothing.
func (NoopRecorder) ObserveRequest(Request) {}

// IncThrottle does nothing.
func (NoopRecorder) IncThrottle(_, _ string) {}

// ObserveQueueWait does nothing.
func (NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}
