package state

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned when no state is stored for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned for ids unsafe to use as keys.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("state store is closed")
	// ErrSessionLeased is returned by Acquire while another owner holds the lease.
	ErrSessionLeased = errors.New("session is leased by another owner")
)

var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateID rejects empty ids and ids that could escape a key namespace.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 || !validIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// Store is a keyed store of session state. Implementations are safe for
// concurrent use; updates to one id are serialized.
type Store interface {
	// Initialize creates the state for id, or merges partial into an
	// existing one.
	Initialize(ctx context.Context, id string, partial StepOutput) (*SessionState, error)
	// Get returns a copy of the stored state.
	Get(ctx context.Context, id string) (*SessionState, error)
	// ApplyStepResult merges a step's output into the stored state and
	// checkpoints the result.
	ApplyStepResult(ctx context.Context, id string, out StepOutput) (*SessionState, error)
	// List returns summaries ordered by most recent update.
	List(ctx context.Context) ([]Summary, error)
	// Delete removes the state for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Acquire takes, or renews, owner's lease on id for ttl. It fails with
	// ErrSessionLeased while a different owner holds an unexpired lease.
	// The session itself need not exist yet.
	Acquire(ctx context.Context, id, owner string, ttl time.Duration) error
	// Release drops owner's lease on id. Another owner's lease is left alone.
	Release(ctx context.Context, id, owner string) error
	Close() error
}

// backend is the byte-level persistence a keyedStore runs on.
type backend interface {
	// update loads the current bytes for id (nil when absent), passes them to
	// fn and stores what fn returns, atomically with respect to other
	// updates of the same id.
	update(ctx context.Context, id string, fn func(cur []byte) ([]byte, error)) error
	load(ctx context.Context, id string) ([]byte, error)
	list(ctx context.Context) ([][]byte, error)
	remove(ctx context.Context, id string) error
	// acquire sets owner's lease on id to expire at now+ttl unless another
	// owner holds one that has not expired, and reports whether it did.
	acquire(ctx context.Context, id, owner string, ttl time.Duration, now time.Time) (bool, error)
	release(ctx context.Context, id, owner string) error
	close() error
}

// keyedStore implements Store on top of a backend. It owns encoding, merge
// and versioning; per-id locks serialize updates inside this process.
type keyedStore struct {
	b     backend
	now   func() time.Time
	locks sync.Map // id -> *sync.Mutex

	mu     sync.RWMutex
	closed bool
}

func newKeyedStore(b backend) *keyedStore {
	return &keyedStore{b: b, now: func() time.Time { return time.Now().UTC() }}
}

func (s *keyedStore) lock(id string) func() {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *keyedStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *keyedStore) Initialize(ctx context.Context, id string, partial StepOutput) (*SessionState, error) {
	return s.apply(ctx, id, partial, true)
}

func (s *keyedStore) ApplyStepResult(ctx context.Context, id string, out StepOutput) (*SessionState, error) {
	return s.apply(ctx, id, out, false)
}

func (s *keyedStore) apply(ctx context.Context, id string, out StepOutput, create bool) (*SessionState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()

	var result *SessionState
	err := s.b.update(ctx, id, func(cur []byte) ([]byte, error) {
		now := s.now()
		var st *SessionState
		if cur == nil {
			if !create {
				return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			}
			st = &SessionState{SessionID: id, CreatedAt: now, History: []string{}}
		} else {
			decoded, err := decode(cur)
			if err != nil {
				return nil, err
			}
			st = decoded
		}
		Merge(st, out)
		st.SessionID = id
		st.Version++
		st.UpdatedAt = now
		data, err := encode(st)
		if err != nil {
			return nil, err
		}
		result = st
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *keyedStore) Get(ctx context.Context, id string) (*SessionState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.b.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return decode(data)
}

func (s *keyedStore) List(ctx context.Context) ([]Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := s.b.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(raw))
	for _, data := range raw {
		st, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, st.Summarize())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *keyedStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.b.remove(ctx, id)
}

func (s *keyedStore) Acquire(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if owner == "" || ttl <= 0 {
		return fmt.Errorf("lease on %s needs an owner and a positive ttl", id)
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	ok, err := s.b.acquire(ctx, id, owner, ttl, s.now())
	if err != nil {
		return fmt.Errorf("failed to lease session %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionLeased, id)
	}
	return nil
}

func (s *keyedStore) Release(ctx context.Context, id, owner string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.b.release(ctx, id, owner); err != nil {
		return fmt.Errorf("failed to release session %s: %w", id, err)
	}
	return nil
}

func (s *keyedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.b.close()
}
