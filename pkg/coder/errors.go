package coder

import "errors"

var (
	// ErrRepairBudgetExceeded is reported when Classify asks for another
	// repair after max_repair_attempts.
	ErrRepairBudgetExceeded = errors.New("repair budget exceeded")
	// ErrRepeatedFailure is reported when the same error comes back twice in a row.
	ErrRepeatedFailure = errors.New("same error repeated after repair")
	// ErrStepLimit is reported when a turn uses all of its transitions.
	ErrStepLimit = errors.New("step limit reached")
	// ErrNotSuspended is returned by Resume outside a Suggest suspension.
	ErrNotSuspended = errors.New("session is not suspended at suggest")
	// ErrEmptyTask rejects blank tasks.
	ErrEmptyTask = errors.New("task must not be empty")
	// ErrUnexpectedDestination means a step produced a routing tag its edge does not accept.
	ErrUnexpectedDestination = errors.New("unexpected routing destination")
)
