package planner

import (
	"errors"
	"fmt"
)

// ErrGenerationService marks any failure to obtain a usable structured
// response: transport errors after retries, malformed JSON, schema
// violations and out-of-range enum values.
var ErrGenerationService = errors.New("generation service failure")

// GenerationError records which planner step failed.
type GenerationError struct {
	Err  error
	Step string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrGenerationService, e.Step, e.Err)
}

// Unwrap exposes the cause.
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Is matches ErrGenerationService.
func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationService
}

func stepError(step string, err error) error {
	return &GenerationError{Step: step, Err: err}
}
