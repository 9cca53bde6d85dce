package testkit

import (
	"context"
	"strings"
	"sync"

	"codeagent/pkg/exec"
)

// FakeKernel is an exec.Kernel that replays scripted results. The last
// queued result repeats once the queue drains; with nothing queued every
// execution completes with empty output.
type FakeKernel struct {
	mu        sync.Mutex
	results   []*exec.Result
	errs      []error
	executed  []string
	shutdowns int
	alive     bool
}

var _ exec.Kernel = (*FakeKernel)(nil)

// NewFakeKernel returns a live fake with the given results queued.
func NewFakeKernel(results ...*exec.Result) *FakeKernel {
	return &FakeKernel{results: results, alive: true}
}

// Push queues more results.
func (k *FakeKernel) Push(results ...*exec.Result) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.results = append(k.results, results...)
}

// FailNext makes the next Execute return err instead of a result.
func (k *FakeKernel) FailNext(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errs = append(k.errs, err)
}

// Kill marks the interpreter as dead without a Shutdown call.
func (k *FakeKernel) Kill() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.alive = false
}

// Execute implements exec.Kernel.
func (k *FakeKernel) Execute(ctx context.Context, code string) (*exec.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.alive {
		return nil, exec.ErrKernelNotAlive
	}
	if strings.TrimSpace(code) == "" {
		return nil, exec.ErrEmptyCode
	}
	k.executed = append(k.executed, code)

	if len(k.errs) > 0 {
		err := k.errs[0]
		k.errs = k.errs[1:]
		return nil, err
	}
	if len(k.results) == 0 {
		return &exec.Result{Outcome: exec.OutcomeCompleted}, nil
	}
	res := *k.results[0]
	if len(k.results) > 1 {
		k.results = k.results[1:]
	}
	return &res, nil
}

// Alive implements exec.Kernel.
func (k *FakeKernel) Alive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.alive
}

// Shutdown implements exec.Kernel. Every call is counted so tests can
// assert release happened exactly once.
func (k *FakeKernel) Shutdown(context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.shutdowns++
	k.alive = false
	return nil
}

// Executed returns the code units run so far.
func (k *FakeKernel) Executed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.executed...)
}

// Shutdowns counts Shutdown calls.
func (k *FakeKernel) Shutdowns() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.shutdowns
}

// Ok is a completed result with stdout.
func Ok(stdout string) *exec.Result {
	return &exec.Result{Stdout: stdout, Outcome: exec.OutcomeCompleted}
}

// Failed is a completed result with stderr.
func Failed(stderr string) *exec.Result {
	return &exec.Result{Stderr: stderr, Outcome: exec.OutcomeCompleted}
}

// TimedOut is a result whose read loop gave up waiting.
func TimedOut(stdout string) *exec.Result {
	return &exec.Result{Stdout: stdout, Outcome: exec.OutcomeTimedOut}
}
