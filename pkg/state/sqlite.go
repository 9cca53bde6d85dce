package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"codeagent/pkg/persistence"
)

// DefaultCheckpointRetention is how many transition checkpoints the SQLite
// store keeps per session.
const DefaultCheckpointRetention = 200

// SQLiteStore persists state in a SQLite database and keeps a log of the
// checkpoint written at every transition.
type SQLiteStore struct {
	*keyedStore
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use
// persistence.MemoryPath for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := persistence.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{
		keyedStore: newKeyedStore(&sqliteBackend{db: db, keep: DefaultCheckpointRetention}),
		db:         db,
	}, nil
}

// Checkpoints returns the stored transition log of a session, oldest first.
func (s *SQLiteStore) Checkpoints(ctx context.Context, id string) ([]*SessionState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cps, err := persistence.ListCheckpoints(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionState, 0, len(cps))
	for _, cp := range cps {
		st, err := decode(cp.StateJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

type sqliteBackend struct {
	db   *sql.DB
	keep int
}

func (b *sqliteBackend) update(ctx context.Context, id string, fn func([]byte) ([]byte, error)) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := persistence.LoadSessionState(ctx, tx, id)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	st, err := decode(next)
	if err != nil {
		return err
	}

	row := &persistence.SessionRow{
		SessionID:    id,
		CurrentState: string(st.Current),
		Suspended:    st.Suspended,
		Version:      st.Version,
		StateJSON:    next,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
	}
	if err := persistence.SaveSession(ctx, tx, row); err != nil {
		return err
	}
	if err := persistence.PruneCheckpoints(ctx, tx, id, b.keep); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint for %s: %w", id, err)
	}
	return nil
}

func (b *sqliteBackend) load(ctx context.Context, id string) ([]byte, error) {
	return persistence.LoadSessionState(ctx, b.db, id)
}

func (b *sqliteBackend) list(ctx context.Context) ([][]byte, error) {
	return persistence.ListSessionStates(ctx, b.db)
}

func (b *sqliteBackend) remove(ctx context.Context, id string) error {
	return persistence.DeleteSession(ctx, b.db, id)
}

func (b *sqliteBackend) acquire(ctx context.Context, id, owner string, ttl time.Duration, now time.Time) (bool, error) {
	return persistence.AcquireLease(ctx, b.db, id, owner, now.Add(ttl), now)
}

func (b *sqliteBackend) release(ctx context.Context, id, owner string) error {
	return persistence.ReleaseLease(ctx, b.db, id, owner)
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
