package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps one JSON file per session in a directory. Leases are
// lease_<id>.json files created exclusively.
type FileStore struct {
	*keyedStore
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &FileStore{keyedStore: newKeyedStore(&fileBackend{dir: dir}), dir: dir}, nil
}

// Dir returns the directory holding the session files.
func (f *FileStore) Dir() string { return f.dir }

type fileBackend struct {
	dir string
}

func (f *fileBackend) path(id string) string {
	return filepath.Join(f.dir, "session_"+id+".json")
}

func (f *fileBackend) update(ctx context.Context, id string, fn func([]byte) ([]byte, error)) error {
	cur, err := f.load(ctx, id)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if err := f.replace(f.path(id), next); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", id, err)
	}
	return nil
}

// replace writes data to a temp file and renames it over path.
func (f *fileBackend) replace(path string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *fileBackend) load(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", id, err)
	}
	return data, nil
}

func (f *fileBackend) list(ctx context.Context) ([][]byte, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	var out [][]byte
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "session_"), ".json")
		data, err := f.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if data != nil {
			out = append(out, data)
		}
	}
	return out, nil
}

func (f *fileBackend) remove(_ context.Context, id string) error {
	err := os.Remove(f.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state for %s: %w", id, err)
	}
	return nil
}

type fileLease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (f *fileBackend) leasePath(id string) string {
	return filepath.Join(f.dir, "lease_"+id+".json")
}

func (f *fileBackend) acquire(_ context.Context, id, owner string, ttl time.Duration, now time.Time) (bool, error) {
	path := f.leasePath(id)
	data, err := json.Marshal(fileLease{Owner: owner, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return false, err
	}

	// Two rounds: the second follows removal of an expired lease.
	for range 2 {
		created, err := f.create(path, data)
		if err != nil {
			return false, err
		}
		if created {
			return true, nil
		}

		cur, err := readLease(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		switch {
		case cur.Owner == owner:
			return true, f.replace(path, data)
		case now.Before(cur.ExpiresAt):
			return false, nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("remove expired lease: %w", err)
		}
	}
	return false, nil
}

// create publishes data at path only if nothing is there yet. The content is
// written to a temp file first and hard-linked into place, so a reader never
// sees a partial lease.
func (f *fileBackend) create(path string, data []byte) (bool, error) {
	tmp, err := os.CreateTemp(f.dir, ".lease-*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp lease: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write lease: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close lease: %w", err)
	}
	err = os.Link(tmpPath, path)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("link lease: %w", err)
	}
	return true, nil
}

func readLease(path string) (*fileLease, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l fileLease
	if err := json.Unmarshal(raw, &l); err != nil {
		// An unreadable lease has no owner and counts as expired.
		return &fileLease{}, nil
	}
	return &l, nil
}

func (f *fileBackend) release(_ context.Context, id, owner string) error {
	path := f.leasePath(id)
	cur, err := readLease(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

func (f *fileBackend) close() error { return nil }
