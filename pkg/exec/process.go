package exec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codeagent/pkg/logx"
	"codeagent/pkg/proto"
)

const (
	maxMessageSize = 64 << 20 // base64 images can be large
	stderrTailSize = 4096
	killWait       = 5 * time.Second
)

// ProcessSpec describes how to launch an interpreter.
type ProcessSpec struct {
	// Command is the argv prefix, e.g. {"python3", "-u"}.
	Command []string
	// Script, when set, is written to a temp file whose path is appended to Command.
	Script  []byte
	WorkDir string
	// Env is appended to the current environment.
	Env []string
}

// ProcessTransport runs an interpreter as a child process and exchanges
// newline-delimited JSON messages over its stdin and stdout. The child's
// stderr is kept for diagnostics and logged at debug level.
type ProcessTransport struct {
	cmd        *osexec.Cmd
	stdin      io.WriteCloser
	scriptPath string
	logger     *logx.Logger

	msgs   chan *proto.KernelMsg
	quit   chan struct{}
	exited chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
	stderr    *tailBuffer
}

// StartProcess launches the interpreter and begins reading its output.
func StartProcess(spec ProcessSpec, logger *logx.Logger) (*ProcessTransport, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("interpreter command cannot be empty")
	}
	if logger == nil {
		logger = logx.NewLogger("kernel")
	}

	argv := append([]string{}, spec.Command...)
	var scriptPath string
	if len(spec.Script) > 0 {
		f, err := os.CreateTemp("", "codeagent-bridge-*.py")
		if err != nil {
			return nil, fmt.Errorf("failed to stage bridge script: %w", err)
		}
		scriptPath = f.Name()
		_, werr := f.Write(spec.Script)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(scriptPath)
			return nil, fmt.Errorf("failed to write bridge script: %v %v", werr, cerr)
		}
		argv = append(argv, scriptPath)
	}

	cmd := osexec.Command(argv[0], argv[1:]...)
	if spec.WorkDir != "" {
		if _, err := os.Stat(spec.WorkDir); err != nil {
			removeQuietly(scriptPath)
			return nil, fmt.Errorf("working directory does not exist: %s", spec.WorkDir)
		}
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		removeQuietly(scriptPath)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeQuietly(scriptPath)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeQuietly(scriptPath)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		removeQuietly(scriptPath)
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	logger.Info("Started interpreter pid=%d (%s)", cmd.Process.Pid, argv[0])

	t := &ProcessTransport{
		cmd:        cmd,
		stdin:      stdin,
		scriptPath: scriptPath,
		logger:     logger,
		msgs:       make(chan *proto.KernelMsg, 256),
		quit:       make(chan struct{}),
		exited:     make(chan struct{}),
		stderr:     &tailBuffer{limit: stderrTailSize},
	}

	var g errgroup.Group
	g.Go(func() error { return t.readMessages(stdout) })
	g.Go(func() error { return t.readDiagnostics(stderr) })

	go func() {
		if err := g.Wait(); err != nil {
			t.logger.Warn("Interpreter output reader stopped: %v", err)
		}
		if err := cmd.Wait(); err != nil {
			t.logger.Info("Interpreter exited: %v", err)
		}
		close(t.msgs)
		removeQuietly(t.scriptPath)
		close(t.exited)
	}()

	return t, nil
}

func removeQuietly(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func (t *ProcessTransport) readMessages(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxMessageSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := proto.ParseKernelMsg(line)
		if err != nil {
			t.logger.Warn("Skipping unparseable interpreter output: %v", err)
			continue
		}
		select {
		case t.msgs <- msg:
		case <-t.quit:
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading interpreter stdout: %w", err)
	}
	return nil
}

func (t *ProcessTransport) readDiagnostics(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		t.stderr.WriteLine(line)
		t.logger.DebugDomain("exec", "interpreter: %s", line)
	}
	return nil
}

// Send writes one message line to the interpreter's stdin.
func (t *ProcessTransport) Send(msg *proto.KernelMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode kernel message: %w", err)
	}
	data = append(data, '\n')

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if !t.Alive() {
		return ErrKernelNotAlive
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to interpreter: %w", err)
	}
	return nil
}

// Messages returns the inbound message stream.
func (t *ProcessTransport) Messages() <-chan *proto.KernelMsg {
	return t.msgs
}

// Alive reports whether the child process is still running.
func (t *ProcessTransport) Alive() bool {
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// StderrTail returns the last few KB of the interpreter's own stderr.
func (t *ProcessTransport) StderrTail() string {
	return t.stderr.String()
}

// Close closes stdin, waits up to grace for the process to exit, then kills it.
func (t *ProcessTransport) Close(grace time.Duration) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)

		t.sendMu.Lock()
		_ = t.stdin.Close()
		t.sendMu.Unlock()

		select {
		case <-t.exited:
			return
		case <-time.After(grace):
		}

		t.logger.Warn("Interpreter did not exit within %s, killing pid=%d", grace, t.cmd.Process.Pid)
		if kerr := t.cmd.Process.Kill(); kerr != nil {
			err = fmt.Errorf("failed to kill interpreter: %w", kerr)
		}
		select {
		case <-t.exited:
		case <-time.After(killWait):
			err = fmt.Errorf("interpreter pid=%d did not exit after kill", t.cmd.Process.Pid)
		}
	})
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// StartKernel launches an interpreter and waits for it to become ready. On
// any failure the process is torn down and a *StartupError is returned.
func StartKernel(ctx context.Context, spec ProcessSpec, opts Options, logger *logx.Logger) (*Client, error) {
	t, err := StartProcess(spec, logger)
	if err != nil {
		return nil, &StartupError{Err: err}
	}

	c := NewClient(t, opts, logger)
	if err := c.WaitReady(ctx); err != nil {
		_ = c.Shutdown(context.Background())
		return nil, &StartupError{Err: err, Stderr: t.StderrTail()}
	}
	return c, nil
}

// PythonSpec builds the spec for running script under the given interpreter.
func PythonSpec(python string, script []byte, workDir string) ProcessSpec {
	return ProcessSpec{
		Command: []string{python, "-u"},
		Script:  script,
		WorkDir: workDir,
		Env:     []string{"PYTHONUNBUFFERED=1"},
	}
}
