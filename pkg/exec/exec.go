// Package exec drives an external interpreter process over the kernel
// message protocol defined in pkg/proto.
//
// A Client sends one execute request at a time and folds the asynchronous
// reply stream into a Result. The read loop ends on the first of: an idle
// status for the request, a per-message timeout, or the stream closing. Each
// exit is reported as a distinct Outcome so callers can tell a clean finish
// from a truncated one.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStartupFailure marks a kernel that could not reach a ready state.
	ErrStartupFailure = errors.New("kernel startup failed")
	// ErrKernelNotAlive is returned when executing against a dead process.
	ErrKernelNotAlive = errors.New("kernel is not running")
	// ErrEmptyCode is returned for blank code units.
	ErrEmptyCode = errors.New("code must not be empty")
	// ErrKernelShutdown is returned after Shutdown.
	ErrKernelShutdown = errors.New("kernel has been shut down")
)

// StartupError wraps the cause of a failed kernel start with the process's
// diagnostic output.
type StartupError struct {
	Err    error
	Stderr string
}

func (e *StartupError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%v: %v (stderr: %s)", ErrStartupFailure, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%v: %v", ErrStartupFailure, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStartupFailure) hold for every StartupError.
func (e *StartupError) Is(target error) bool { return target == ErrStartupFailure }

// Outcome tags how an execution read loop ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeStreamClosed Outcome = "stream_closed"
)

// RichOutput is a non-stream output such as an image or HTML table.
type RichOutput struct {
	Kind     string         `json:"kind"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result aggregates everything the kernel reported for one code unit.
type Result struct {
	Stdout      string
	Stderr      string
	RichOutputs []RichOutput
	Outcome     Outcome
	Duration    time.Duration
}

// Complete reports whether the kernel signalled the end of execution.
func (r *Result) Complete() bool {
	return r.Outcome == OutcomeCompleted
}

// Kernel is a live interpreter owned by exactly one session.
type Kernel interface {
	// Execute runs one code unit and blocks until the read loop ends.
	Execute(ctx context.Context, code string) (*Result, error)
	// Alive reports whether the interpreter process is still running.
	Alive() bool
	// Shutdown stops the interpreter. Only the first call has an effect.
	Shutdown(ctx context.Context) error
}

// Options bounds the protocol's blocking operations.
type Options struct {
	StartupTimeout time.Duration
	MessageTimeout time.Duration
	ShutdownGrace  time.Duration
}

// DefaultOptions mirrors the stock kernel client timeouts.
func DefaultOptions() Options {
	return Options{
		StartupTimeout: 10 * time.Second,
		MessageTimeout: 30 * time.Second,
		ShutdownGrace:  2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = d.StartupTimeout
	}
	if o.MessageTimeout <= 0 {
		o.MessageTimeout = d.MessageTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = d.ShutdownGrace
	}
	return o
}
