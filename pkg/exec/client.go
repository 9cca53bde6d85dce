package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeagent/pkg/logx"
	"codeagent/pkg/proto"
)

// Transport moves kernel messages to and from an interpreter.
type Transport interface {
	Send(msg *proto.KernelMsg) error
	// Messages is closed when the interpreter's output stream ends.
	Messages() <-chan *proto.KernelMsg
	Alive() bool
	Close(grace time.Duration) error
}

// Client speaks the kernel protocol over a Transport. It serialises
// executions: at most one request is outstanding at a time. Shutdown never
// waits for a running execution; it ends it.
type Client struct {
	transport Transport
	opts      Options
	logger    *logx.Logger

	// mu is held for the whole of a request/response exchange.
	mu sync.Mutex

	shutdown     atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewClient wraps transport.
func NewClient(transport Transport, opts Options, logger *logx.Logger) *Client {
	if logger == nil {
		logger = logx.NewLogger("kernel")
	}
	return &Client{
		transport: transport,
		opts:      opts.withDefaults(),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Alive reports whether the interpreter is running and not shut down.
func (c *Client) Alive() bool {
	return !c.shutdown.Load() && c.transport.Alive()
}

// WaitReady performs the kernel_info handshake within the startup timeout.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := proto.NewRequest(proto.MsgKernelInfoRequest, struct{}{})
	if err != nil {
		return err
	}
	if err := c.transport.Send(req); err != nil {
		return fmt.Errorf("failed to send kernel_info_request: %w", err)
	}

	deadline := time.NewTimer(c.opts.StartupTimeout)
	defer deadline.Stop()

	msgs := c.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for kernel: %w", ctx.Err())
		case <-c.done:
			return ErrKernelShutdown
		case <-deadline.C:
			return fmt.Errorf("kernel not ready after %s", c.opts.StartupTimeout)
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("kernel exited before becoming ready")
			}
			if msg.Type() != proto.MsgKernelInfoReply || msg.ParentID() != req.Header.MsgID {
				continue
			}
			var info proto.KernelInfoContent
			if err := msg.Decode(&info); err == nil {
				c.logger.Info("Kernel ready (%s, %s %s)", info.Implementation, info.LanguageInfo.Name, info.LanguageInfo.Version)
			}
			return nil
		}
	}
}

// Execute sends code and collects output until the kernel reports idle for
// this request, a single message wait exceeds the message timeout, or the
// output stream closes. Partial output is kept in every case.
func (c *Client) Execute(ctx context.Context, code string) (*Result, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrEmptyCode
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown.Load() {
		return nil, ErrKernelShutdown
	}
	if !c.transport.Alive() {
		return nil, ErrKernelNotAlive
	}

	req, err := proto.NewRequest(proto.MsgExecuteRequest, proto.ExecuteRequestContent{
		Code:         code,
		StoreHistory: true,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if err := c.transport.Send(req); err != nil {
		return nil, fmt.Errorf("failed to send execute_request: %w", err)
	}
	logx.Debug(ctx, "exec", "sent execute_request %s (%d bytes)", req.Header.MsgID, len(code))

	res := &Result{}
	timer := time.NewTimer(c.opts.MessageTimeout)
	defer timer.Stop()

	msgs := c.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("execution interrupted: %w", ctx.Err())

		case <-c.done:
			c.logger.Warn("Kernel shut down during execution after %s", time.Since(started).Round(time.Millisecond))
			return nil, fmt.Errorf("%w during execution", ErrKernelShutdown)

		case <-timer.C:
			res.Outcome = OutcomeTimedOut
			res.Duration = time.Since(started)
			c.logger.Warn("No kernel message within %s, returning partial result", c.opts.MessageTimeout)
			return res, nil

		case msg, ok := <-msgs:
			if !ok {
				if c.shutdown.Load() {
					return nil, fmt.Errorf("%w during execution", ErrKernelShutdown)
				}
				res.Outcome = OutcomeStreamClosed
				res.Duration = time.Since(started)
				c.logger.Warn("Kernel output stream closed during execution")
				return res, nil
			}

			resetTimer(timer, c.opts.MessageTimeout)

			if msg.ParentID() != req.Header.MsgID {
				logx.Debug(ctx, "exec", "ignoring %s for parent %q", msg.Type(), msg.ParentID())
				continue
			}
			if c.apply(res, msg) {
				res.Outcome = OutcomeCompleted
				res.Duration = time.Since(started)
				return res, nil
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// apply folds msg into res and reports whether it ends the execution.
func (c *Client) apply(res *Result, msg *proto.KernelMsg) bool {
	switch msg.Type() {
	case proto.MsgStatus:
		var st proto.StatusContent
		if err := msg.Decode(&st); err != nil {
			c.logger.Warn("Dropping status message: %v", err)
			return false
		}
		return st.ExecutionState == proto.ExecutionIdle

	case proto.MsgStream:
		var s proto.StreamContent
		if err := msg.Decode(&s); err != nil {
			c.logger.Warn("Dropping stream message: %v", err)
			return false
		}
		if s.Name == proto.StreamStdout {
			res.Stdout += s.Text
		} else {
			res.Stderr += s.Text
		}

	case proto.MsgExecuteResult, proto.MsgDisplayData:
		var d proto.DisplayContent
		if err := msg.Decode(&d); err != nil {
			c.logger.Warn("Dropping %s message: %v", msg.Type(), err)
			return false
		}
		res.RichOutputs = append(res.RichOutputs, RichOutput{
			Kind:     string(msg.Type()),
			Data:     d.Data,
			Metadata: d.Metadata,
		})
		if msg.Type() == proto.MsgExecuteResult {
			if text, ok := d.Data.Text(); ok {
				res.Stdout += text + "\n"
			}
		}

	case proto.MsgError:
		var e proto.ErrorContent
		if err := msg.Decode(&e); err != nil {
			c.logger.Warn("Dropping error message: %v", err)
			return false
		}
		res.Stderr += fmt.Sprintf("%s: %s\n", e.EName, e.EValue)
		if len(e.Traceback) > 0 {
			res.Stderr += strings.Join(e.Traceback, "\n") + "\n"
		}
	}
	return false
}

// Shutdown asks an idle kernel to exit, waits up to the grace period, and
// then closes the transport (killing the process if needed). A running
// execution is ended with ErrKernelShutdown and the kernel is closed without
// the request. Safe to call many times and from any goroutine.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdown.Store(true)
		close(c.done)

		// A busy interpreter cannot answer shutdown_request.
		if c.mu.TryLock() {
			if c.transport.Alive() {
				if req, err := proto.NewRequest(proto.MsgShutdownRequest, map[string]bool{"restart": false}); err == nil {
					if err := c.transport.Send(req); err == nil {
						c.awaitShutdownReply(ctx, req.Header.MsgID)
					}
				}
			}
			c.mu.Unlock()
		} else {
			c.logger.Info("Kernel busy, closing without shutdown_request")
		}

		c.shutdownErr = c.transport.Close(c.opts.ShutdownGrace)
		c.logger.Info("Kernel shut down")
	})
	return c.shutdownErr
}

func (c *Client) awaitShutdownReply(ctx context.Context, id string) {
	timer := time.NewTimer(c.opts.ShutdownGrace)
	defer timer.Stop()
	msgs := c.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case msg, ok := <-msgs:
			if !ok || (msg.Type() == proto.MsgShutdownReply && msg.ParentID() == id) {
				return
			}
		}
	}
}

var _ Kernel = (*Client)(nil)
