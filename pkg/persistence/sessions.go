package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SessionRow is the stored snapshot of one session.
type SessionRow struct {
	SessionID    string
	CurrentState string
	Suspended    bool
	Version      int64
	StateJSON    []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Checkpoint is one entry of a session's transition log.
type Checkpoint struct {
	SessionID    string
	Version      int64
	CurrentState string
	StateJSON    []byte
	CreatedAt    time.Time
}

// LoadSessionState returns the stored state document, or nil if the session
// does not exist.
func LoadSessionState(ctx context.Context, q Querier, sessionID string) ([]byte, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return []byte(data), nil
}

// SaveSession upserts the snapshot and appends it to the checkpoint log.
func SaveSession(ctx context.Context, q Querier, row *SessionRow) error {
	created := row.CreatedAt.UTC().Format(time.RFC3339Nano)
	updated := row.UpdatedAt.UTC().Format(time.RFC3339Nano)

	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (session_id, current_state, suspended, version, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			current_state = excluded.current_state,
			suspended = excluded.suspended,
			version = excluded.version,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
	`, row.SessionID, row.CurrentState, row.Suspended, row.Version, string(row.StateJSON), created, updated)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", row.SessionID, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (session_id, version, current_state, state_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, row.SessionID, row.Version, row.CurrentState, string(row.StateJSON), updated)
	if err != nil {
		return fmt.Errorf("failed to record checkpoint for %s: %w", row.SessionID, err)
	}
	return nil
}

// ListSessionStates returns every stored state document, most recent first.
func ListSessionStates(ctx context.Context, q Querier) ([][]byte, error) {
	rows, err := q.QueryContext(ctx, `SELECT state_json FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, []byte(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its checkpoints.
func DeleteSession(ctx context.Context, q Querier, sessionID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete checkpoints for %s: %w", sessionID, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// ListCheckpoints returns the transition log of a session in version order.
func ListCheckpoints(ctx context.Context, q Querier, sessionID string) ([]Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT session_id, version, current_state, state_json, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY version
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var data, created string
		if err := rows.Scan(&cp.SessionID, &cp.Version, &cp.CurrentState, &data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.StateJSON = []byte(data)
		if t, parseErr := time.Parse(time.RFC3339Nano, created); parseErr == nil {
			cp.CreatedAt = t
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// PruneCheckpoints keeps only the newest keep checkpoints of a session.
func PruneCheckpoints(ctx context.Context, q Querier, sessionID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE session_id = ? AND version NOT IN (
			SELECT version FROM checkpoints WHERE session_id = ? ORDER BY version DESC LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints for %s: %w", sessionID, err)
	}
	return nil
}

// AcquireLease gives owner the lease on sessionID until expiresAt, unless a
// different owner holds one that has not expired at now. It reports whether
// owner holds the lease afterwards.
func AcquireLease(ctx context.Context, q Querier, sessionID, owner string, expiresAt, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO leases (session_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?
	`, sessionID, owner, expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease on %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease on %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// ReleaseLease drops owner's lease on sessionID.
func ReleaseLease(ctx context.Context, q Querier, sessionID, owner string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM leases WHERE session_id = ? AND owner = ?`, sessionID, owner); err != nil {
		return fmt.Errorf("failed to release lease on %s: %w", sessionID, err)
	}
	return nil
}
