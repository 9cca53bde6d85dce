// Package agent holds the pieces shared by the control loop: the LLM client
// factory with its middleware chain, and a checkpointing state machine base.
//
// Provider implementations live under internal/llmimpl and are only reachable
// through the factory.
package agent
