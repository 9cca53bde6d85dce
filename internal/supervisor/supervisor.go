// Package supervisor watches session state transitions and owns process
// shutdown. It tracks where every live session is and applies a policy to
// terminal outcomes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"codeagent/internal/kernel"
	"codeagent/pkg/coder"
	"codeagent/pkg/logx"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
)

// Action defines what to do when a turn ends with a given outcome.
type Action int

const (
	// Continue keeps the process running.
	Continue Action = iota
	// FatalShutdown stops the process through the ShutdownHandler.
	FatalShutdown
)

// ShutdownHandler provides an abstraction for process shutdown.
type ShutdownHandler interface {
	// Shutdown initiates shutdown with the given exit code and reason.
	Shutdown(exitCode int, reason string)
}

// DefaultShutdownHandler exits immediately.
type DefaultShutdownHandler struct {
	logger *logx.Logger
}

// NewDefaultShutdownHandler creates a shutdown handler that calls os.Exit.
func NewDefaultShutdownHandler(logger *logx.Logger) *DefaultShutdownHandler {
	return &DefaultShutdownHandler{logger: logger}
}

// Shutdown performs immediate process termination.
func (h *DefaultShutdownHandler) Shutdown(exitCode int, reason string) {
	h.logger.Error("FATAL SHUTDOWN: %s (exit code: %d)", reason, exitCode)
	os.Exit(exitCode)
}

// GracefulShutdownHandler runs a cleanup function before terminating.
// The cleanup runs at most once even if Shutdown is called repeatedly.
type GracefulShutdownHandler struct {
	logger          *logx.Logger
	cleanupFunc     func() error
	shutdownChannel chan int
	once            sync.Once
}

// NewGracefulShutdownHandler creates a shutdown handler with optional cleanup.
// If shutdownChannel is provided, the exit code is sent there instead of
// calling os.Exit.
func NewGracefulShutdownHandler(logger *logx.Logger, cleanupFunc func() error, shutdownChannel chan int) *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		logger:          logger,
		cleanupFunc:     cleanupFunc,
		shutdownChannel: shutdownChannel,
	}
}

// Shutdown performs cleanup, then exits or signals the channel.
func (h *GracefulShutdownHandler) Shutdown(exitCode int, reason string) {
	h.once.Do(func() {
		h.logger.Warn("Shutting down: %s (exit code: %d)", reason, exitCode)
		if h.cleanupFunc != nil {
			if err := h.cleanupFunc(); err != nil {
				h.logger.Error("Cleanup failed: %v", err)
			}
		}

		if h.shutdownChannel != nil {
			select {
			case h.shutdownChannel <- exitCode:
				return
			default:
				h.logger.Warn("Shutdown channel full, falling back to os.Exit")
			}
		}
		os.Exit(exitCode)
	})
}

// Policy maps terminal outcomes to actions.
type Policy struct {
	OnOutcome map[state.TurnOutcome]Action
	// MaxConsecutiveFailures triggers FatalShutdown after that many failed
	// turns in a row across all sessions. Zero disables the check.
	MaxConsecutiveFailures int
}

// DefaultPolicy keeps running on every outcome and stops after repeated
// fatal failures, which usually mean the generation service is unusable.
func DefaultPolicy() Policy {
	return Policy{
		OnOutcome: map[state.TurnOutcome]Action{
			state.OutcomeCompleted: Continue,
			state.OutcomeFinished:  Continue,
			state.OutcomeGaveUp:    Continue,
			state.OutcomeStepLimit: Continue,
			state.OutcomeFailed:    Continue,
		},
		MaxConsecutiveFailures: 3,
	}
}

// SessionStatus is the supervisor's view of one session.
type SessionStatus struct {
	SessionID   string
	State       proto.State
	LastOutcome state.TurnOutcome
	Transitions int
	UpdatedAt   time.Time
}

// Supervisor consumes state change notifications.
type Supervisor struct {
	Logger          *logx.Logger
	Policy          Policy
	ShutdownHandler ShutdownHandler

	notifications <-chan *proto.StateChangeNotification

	mu                  sync.Mutex
	sessions            map[string]*SessionStatus
	consecutiveFailures int
	running             bool
	done                chan struct{}
}

// NewSupervisor watches the kernel's transition channel.
func NewSupervisor(k *kernel.Kernel) *Supervisor {
	return New(k.StateChanges, logx.NewLogger("supervisor"))
}

// New watches an arbitrary notification channel.
func New(notifications <-chan *proto.StateChangeNotification, logger *logx.Logger) *Supervisor {
	if logger == nil {
		logger = logx.NewLogger("supervisor")
	}
	return &Supervisor{
		Logger:          logger,
		Policy:          DefaultPolicy(),
		ShutdownHandler: NewDefaultShutdownHandler(logger),
		notifications:   notifications,
		sessions:        make(map[string]*SessionStatus),
	}
}

// Start begins processing notifications until ctx ends or the channel closes.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Logger.Warn("Supervisor already running")
		return
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			close(done)
			s.Logger.Debug("Supervisor state change processor stopped")
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-s.notifications:
				if !ok {
					return
				}
				if n != nil {
					s.handleStateChange(n)
				}
			}
		}
	}()
}

// Wait blocks until the processor stops or timeout elapses.
func (s *Supervisor) Wait(timeout time.Duration) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for supervisor to stop")
	}
}

func (s *Supervisor) handleStateChange(n *proto.StateChangeNotification) {
	s.Logger.DebugDomain("supervisor", "session %s: %s -> %s", n.SessionID, n.FromState, n.ToState)

	s.mu.Lock()
	st, ok := s.sessions[n.SessionID]
	if !ok {
		st = &SessionStatus{SessionID: n.SessionID}
		s.sessions[n.SessionID] = st
	}
	st.State = n.ToState
	st.Transitions++
	st.UpdatedAt = n.Timestamp

	if n.ToState != proto.StateTerminated {
		s.mu.Unlock()
		return
	}
	outcome := outcomeOf(n)
	st.LastOutcome = outcome
	if outcome == state.OutcomeFailed {
		s.consecutiveFailures++
	} else {
		s.consecutiveFailures = 0
	}
	failures := s.consecutiveFailures
	s.mu.Unlock()

	action := s.Policy.OnOutcome[outcome]
	reason := fmt.Sprintf("session %s ended with outcome %s", n.SessionID, outcome)
	if limit := s.Policy.MaxConsecutiveFailures; limit > 0 && failures >= limit {
		action = FatalShutdown
		reason = fmt.Sprintf("%d consecutive failed turns", failures)
	}

	switch action {
	case FatalShutdown:
		s.Logger.Error("%s, shutting down", reason)
		s.ShutdownHandler.Shutdown(1, reason)
	case Continue:
	}
}

func outcomeOf(n *proto.StateChangeNotification) state.TurnOutcome {
	if v, ok := n.Metadata[coder.MetaOutcome].(string); ok {
		return state.TurnOutcome(v)
	}
	return state.OutcomeNone
}

// Forget drops a closed session from the view.
func (s *Supervisor) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions returns a snapshot sorted by session id.
func (s *Supervisor) Sessions() []SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionStatus, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SetShutdownHandler installs a custom shutdown handler.
func (s *Supervisor) SetShutdownHandler(handler ShutdownHandler) {
	s.ShutdownHandler = handler
}
