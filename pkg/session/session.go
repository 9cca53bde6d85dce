// Package session owns the lifecycle of agent sessions: each session holds
// one interpreter and one checkpointed state, runs at most one turn at a
// time, and always releases its interpreter when it ends.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"codeagent/pkg/coder"
	"codeagent/pkg/exec"
	"codeagent/pkg/logx"
	"codeagent/pkg/notebook"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
	"codeagent/pkg/triage"
)

var (
	// ErrSessionBusy is returned when a turn is already running for the session.
	ErrSessionBusy = errors.New("session has a step in flight")
	// ErrSessionClosed is returned by any call on an ended session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNotSuspended is returned by Resume outside a Suggest suspension.
	ErrNotSuspended = coder.ErrNotSuspended
	// ErrSessionOpen is returned when opening a session that is already live,
	// in this manager or in another process sharing the store.
	ErrSessionOpen = errors.New("session is already open")
)

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultLeaseTTL        = 30 * time.Second
)

// KernelLauncher starts the interpreter a new session will own.
type KernelLauncher func(ctx context.Context) (exec.Kernel, error)

// Options configures a Manager. Store, Planner and Launch are required.
type Options struct {
	Store    state.Store
	Planner  coder.Planner
	Judge    triage.Judge
	Launch   KernelLauncher
	Coder    coder.Config
	Observer coder.Observer
	Recorder coder.Recorder
	Logger   *logx.Logger

	// NotebookPath is loaded, or created, for a new session. While a live
	// session of any manager sharing the store writes it, other sessions get
	// <name>-<session id>.ipynb beside it. Empty keeps the document in the
	// session state only.
	NotebookPath string
	// LeaseTTL is how long a session's store lease outlives a crashed owner.
	// Live sessions renew it at a third of this interval.
	LeaseTTL time.Duration
	// ShutdownTimeout bounds each interpreter shutdown.
	ShutdownTimeout time.Duration
	// StateNotifications, when set, receives every transition of every session.
	StateNotifications chan<- *proto.StateChangeNotification
}

// Manager creates, reopens and ends sessions. A session id is live in at
// most one manager across every process sharing the store: the manager
// holds the id's store lease for as long as the session is open.
type Manager struct {
	opts   Options
	logger *logx.Logger
	newID  func() string
	owner  string

	mu sync.Mutex
	// sessions maps ids to open sessions; nil marks an open in progress.
	sessions  map[string]*Session
	notebooks map[string]string // path -> session id
	closed    bool
}

// NewManager validates opts and returns a manager with no open sessions.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Planner == nil || opts.Launch == nil {
		return nil, fmt.Errorf("session: store, planner and kernel launcher are required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("session")
	}
	return &Manager{
		opts:      opts,
		logger:    logger,
		newID:     uuid.NewString,
		owner:     uuid.NewString(),
		sessions:  make(map[string]*Session),
		notebooks: make(map[string]string),
	}, nil
}

// Create starts a fresh session. If the interpreter cannot start, or any
// other step fails, nothing of the session is left in the store.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	id := m.newID()
	initialized := false
	var createdNotebook string

	s, err := m.open(ctx, id, func(ctx context.Context) error {
		path, err := m.claimNotebook(ctx, id, m.opts.NotebookPath)
		if err != nil {
			return err
		}
		doc := notebook.New()
		if path != "" {
			loaded, created, err := notebook.LoadOrCreate(path)
			if err != nil {
				return fmt.Errorf("failed to prepare notebook: %w", err)
			}
			if created {
				m.logger.Info("created notebook %s", path)
				createdNotebook = path
			}
			doc = loaded
		}

		_, err = m.opts.Store.Initialize(ctx, id, state.StepOutput{
			Current:      state.Ref(proto.StateTerminated),
			Document:     doc,
			DocumentPath: state.Ref(path),
		})
		initialized = err == nil
		return err
	})
	if err == nil {
		return s, nil
	}

	cleanup := context.WithoutCancel(ctx)
	if initialized {
		if derr := m.opts.Store.Delete(cleanup, id); derr != nil {
			m.logger.Warn("failed to remove aborted session %s: %v", id, derr)
		}
	}
	if createdNotebook != "" {
		_ = os.Remove(createdNotebook)
	}
	return nil, err
}

// Open reattaches a stored session, typically one suspended at Suggest by
// an earlier process, with a newly launched interpreter.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	return m.open(ctx, id, func(ctx context.Context) error {
		st, err := m.opts.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		if st.DocumentPath == "" {
			return nil
		}
		path, err := m.claimNotebook(ctx, id, st.DocumentPath)
		if err != nil {
			return err
		}
		if path == st.DocumentPath {
			return nil
		}
		m.logger.Info("notebook %s is in use, session %s writes %s", st.DocumentPath, id, path)
		_, err = m.opts.Store.ApplyStepResult(ctx, id, state.StepOutput{DocumentPath: state.Ref(path)})
		return err
	})
}

func (m *Manager) open(ctx context.Context, id string, prepare func(context.Context) error) (s *Session, err error) {
	if err := state.ValidateID(id); err != nil {
		return nil, err
	}
	if err := m.reserve(id); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.forget(id)
		}
	}()

	if err := m.opts.Store.Acquire(ctx, id, m.owner, m.opts.LeaseTTL); err != nil {
		if errors.Is(err, state.ErrSessionLeased) {
			return nil, fmt.Errorf("%w: %s is held by another process", ErrSessionOpen, id)
		}
		return nil, err
	}
	defer func() {
		if err != nil {
			m.releaseLease(id)
		}
	}()

	if err := prepare(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare session %s: %w", id, err)
	}

	kernel, err := m.opts.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start interpreter for session %s: %w", id, err)
	}

	logger := m.logger.WithSession(id)
	driver, err := coder.NewDriver(ctx, id, coder.Deps{
		Store:    m.opts.Store,
		Planner:  m.opts.Planner,
		Judge:    m.opts.Judge,
		Kernel:   kernel,
		Observer: m.opts.Observer,
		Recorder: m.opts.Recorder,
		Logger:   m.logger.WithComponent("coder"),
	}, m.opts.Coder)
	if err != nil {
		m.shutdownKernel(kernel, logger)
		return nil, err
	}
	if m.opts.StateNotifications != nil {
		driver.SetStateNotificationChannel(m.opts.StateNotifications)
	}

	s = &Session{
		id:        id,
		driver:    driver,
		kernel:    kernel,
		manager:   m,
		logger:    logger,
		stopRenew: make(chan struct{}),
		renewDone: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.shutdownKernel(kernel, logger)
		return nil, ErrSessionClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	go s.renewLease()
	logger.Info("session opened at %s", driver.GetCurrentState())
	return s, nil
}

// reserve marks id as opening so a concurrent open of the same id fails.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSessionClosed
	}
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionOpen, id)
	}
	m.sessions[id] = nil
	return nil
}

// claimNotebook returns the document path session id writes: path itself
// unless another live session already writes it, else a per-session path
// beside it.
func (m *Manager) claimNotebook(ctx context.Context, id, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if m.tryClaim(ctx, id, path) {
		return path, nil
	}
	ext := filepath.Ext(path)
	own := strings.TrimSuffix(path, ext) + "-" + id + ext
	if m.tryClaim(ctx, id, own) {
		return own, nil
	}
	return "", fmt.Errorf("notebook %s is in use by another session", own)
}

func (m *Manager) tryClaim(ctx context.Context, id, path string) bool {
	m.mu.Lock()
	if holder, ok := m.notebooks[path]; ok && holder != id {
		m.mu.Unlock()
		return false
	}
	m.notebooks[path] = id
	m.mu.Unlock()

	err := m.opts.Store.Acquire(ctx, notebookLeaseID(path), m.owner, m.opts.LeaseTTL)
	if err == nil {
		return true
	}
	if !errors.Is(err, state.ErrSessionLeased) {
		m.logger.Warn("could not lease notebook %s: %v", path, err)
	}
	m.mu.Lock()
	delete(m.notebooks, path)
	m.mu.Unlock()
	return false
}

// notebookLeaseID keys a document file in the store's lease namespace.
func notebookLeaseID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	sum := sha256.Sum256([]byte(path))
	return "notebook-" + hex.EncodeToString(sum[:16])
}

// leaseIDs lists the store leases session id holds.
func (m *Manager) leaseIDs(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{id}
	for path, holder := range m.notebooks {
		if holder == id {
			ids = append(ids, notebookLeaseID(path))
		}
	}
	return ids
}

func (m *Manager) releaseLease(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()
	for _, lease := range m.leaseIDs(id) {
		if err := m.opts.Store.Release(ctx, lease, m.owner); err != nil {
			m.logger.Warn("failed to release lease %s: %v", lease, err)
		}
	}
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok && s != nil
}

// List returns the sessions known to the store.
func (m *Manager) List(ctx context.Context) ([]state.Summary, error) {
	return m.opts.Store.List(ctx)
}

// Run creates a session, passes it to fn and ends it on every path,
// including a panic in fn.
func (m *Manager) Run(ctx context.Context, fn func(*Session) error) (err error) {
	s, err := m.Create(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// Close ends every open session and refuses new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			open = append(open, s)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	for path, holder := range m.notebooks {
		if holder == id {
			delete(m.notebooks, path)
		}
	}
}

func (m *Manager) shutdownKernel(k exec.Kernel, logger *logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()
	if err := k.Shutdown(ctx); err != nil {
		logger.Warn("interpreter shutdown: %v", err)
	}
}

// Session is one live session. Its interpreter is never part of the
// checkpointed state.
type Session struct {
	id      string
	driver  *coder.Driver
	kernel  exec.Kernel
	manager *Manager
	logger  *logx.Logger

	busy      sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	stopRenew chan struct{}
	renewDone chan struct{}
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// State returns the last checkpointed state.
func (s *Session) State() *state.SessionState { return s.driver.State() }

// CurrentState returns the machine state.
func (s *Session) CurrentState() proto.State { return s.driver.GetCurrentState() }

// Suspended reports whether the session is waiting at Suggest.
func (s *Session) Suspended() bool {
	st := s.driver.State()
	return st != nil && st.Suspended
}

// Submit runs a turn for a new task.
func (s *Session) Submit(ctx context.Context, task string) (*coder.TurnResult, error) {
	return s.step(func() (*coder.TurnResult, error) { return s.driver.Submit(ctx, task) })
}

// Resume continues a session suspended at Suggest with the chosen task.
func (s *Session) Resume(ctx context.Context, task string) (*coder.TurnResult, error) {
	return s.step(func() (*coder.TurnResult, error) { return s.driver.Resume(ctx, task) })
}

func (s *Session) step(fn func() (*coder.TurnResult, error)) (*coder.TurnResult, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.busy.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.busy.Unlock()
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return fn()
}

// Close shuts the interpreter down, releases the session's lease and
// detaches it from its manager. Only the first call has an effect; the
// checkpointed state stays in the store. A turn in flight is not waited
// for: its execution ends with exec.ErrKernelShutdown.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopRenew)
		<-s.renewDone

		shutdownCtx, cancel := context.WithTimeout(ctx, s.manager.opts.ShutdownTimeout)
		defer cancel()
		if err := s.kernel.Shutdown(shutdownCtx); err != nil {
			s.closeErr = fmt.Errorf("failed to shut down interpreter: %w", err)
		}
		s.manager.releaseLease(s.id)
		s.manager.forget(s.id)
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// renewLease keeps the session's store leases alive until Close.
func (s *Session) renewLease() {
	defer close(s.renewDone)
	ttl := s.manager.opts.LeaseTTL
	interval := max(ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopRenew:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			for _, lease := range s.manager.leaseIDs(s.id) {
				if err := s.manager.opts.Store.Acquire(ctx, lease, s.manager.owner, ttl); err != nil {
					s.logger.Error("lease renewal failed: %v", err)
				}
			}
			cancel()
		}
	}
}
