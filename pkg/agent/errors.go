package agent

import "errors"

var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownProvider is returned when no client can be built for the configured provider.
	ErrUnknownProvider = errors.New("unknown LLM provider")
)
