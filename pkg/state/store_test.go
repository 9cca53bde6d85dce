package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/exec"
	"codeagent/pkg/notebook"
	"codeagent/pkg/persistence"
	"codeagent/pkg/proto"
)

type storeFactory struct {
	name string
	open func(t *testing.T) (Store, *keyedStore)
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"memory", func(_ *testing.T) (Store, *keyedStore) {
			s := NewMemoryStore()
			return s, s.keyedStore
		}},
		{"file", func(t *testing.T) (Store, *keyedStore) {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s, s.keyedStore
		}},
		{"sqlite", func(t *testing.T) (Store, *keyedStore) {
			s, err := NewSQLiteStore(persistence.MemoryPath)
			require.NoError(t, err)
			return s, s.keyedStore
		}},
		{"redis", func(t *testing.T) (Store, *keyedStore) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStoreFromClient(client, "test:", 0)
			return s, s.keyedStore
		}},
	}
}

// fakeClock makes UpdatedAt strictly increasing so List ordering is stable.
func fakeClock(ks *keyedStore) {
	var mu sync.Mutex
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ks.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t0 = t0.Add(time.Second)
		return t0
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			s, ks := f.open(t)
			fakeClock(ks)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestStoreInitializeAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		st, err := s.Initialize(ctx, "sess-1", StepOutput{
			Task:    Ref("list files"),
			Current: Ref(proto.StateRoute),
		})
		require.NoError(t, err)
		assert.Equal(t, "sess-1", st.SessionID)
		assert.Equal(t, int64(1), st.Version)
		assert.NotNil(t, st.History)
		assert.False(t, st.CreatedAt.IsZero())

		got, err := s.Get(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "list files", got.Task)
		assert.Equal(t, proto.StateRoute, got.Current)

		// A second Initialize merges into the existing record.
		st, err = s.Initialize(ctx, "sess-1", StepOutput{Task: Ref("other")})
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Version)
		assert.Equal(t, proto.StateRoute, st.Current)
		assert.Equal(t, got.CreatedAt, st.CreatedAt)
	})
}

func TestStoreApplyStepResult(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.ApplyStepResult(ctx, "nobody", StepOutput{Task: Ref("x")})
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = s.Initialize(ctx, "s", StepOutput{Task: Ref("t")})
		require.NoError(t, err)

		_, err = s.ApplyStepResult(ctx, "s", StepOutput{
			PendingCode: Ref("print(1)"),
			History:     []string{"step one"},
		})
		require.NoError(t, err)
		st, err := s.ApplyStepResult(ctx, "s", StepOutput{
			PendingCode:     Ref("print(2)"),
			History:         []string{"step two"},
			LastExecOutcome: Ref(exec.OutcomeTimedOut),
		})
		require.NoError(t, err)

		assert.Equal(t, "print(2)", st.PendingCode)
		assert.Equal(t, []string{"step one", "step two"}, st.History)
		assert.Equal(t, exec.OutcomeTimedOut, st.LastExecOutcome)
		assert.Equal(t, int64(3), st.Version)

		got, err := s.Get(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, st.History, got.History)
	})
}

func TestStoreGetReturnsCopy(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Initialize(ctx, "s", StepOutput{History: []string{"a"}})
		require.NoError(t, err)

		got, err := s.Get(ctx, "s")
		require.NoError(t, err)
		got.History[0] = "changed"
		got.Task = "changed"

		again, err := s.Get(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, again.History)
		assert.Empty(t, again.Task)
	})
}

func TestStoreKeepsDocument(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := notebook.New()
		doc.AppendExecution("print('hi')", &exec.Result{Stdout: "hi\n", Outcome: exec.OutcomeCompleted})

		_, err := s.Initialize(ctx, "doc", StepOutput{Document: doc})
		require.NoError(t, err)

		got, err := s.Get(ctx, "doc")
		require.NoError(t, err)
		require.NotNil(t, got.Document)
		require.Equal(t, 1, got.Document.Len())
		assert.Equal(t, notebook.Text("print('hi')"), got.Document.Cells[0].Source)
	})
}

func TestStoreRejectsBadIDs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"", "../etc", "a b", "x/y"} {
			_, err := s.Initialize(ctx, id, StepOutput{})
			assert.ErrorIs(t, err, ErrInvalidSessionID, id)
			_, err = s.Get(ctx, id)
			assert.ErrorIs(t, err, ErrInvalidSessionID, id)
		}
		_, err := s.Get(ctx, "unknown")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestStoreListAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			_, err := s.Initialize(ctx, id, StepOutput{Task: Ref("task " + id)})
			require.NoError(t, err)
		}
		_, err := s.ApplyStepResult(ctx, "a", StepOutput{Suspended: Ref(true), Current: Ref(proto.StateSuggest)})
		require.NoError(t, err)

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "a", list[0].SessionID)
		assert.True(t, list[0].Suspended)
		assert.Equal(t, proto.StateSuggest, list[0].Current)
		assert.Equal(t, "c", list[1].SessionID)

		require.NoError(t, s.Delete(ctx, "b"))
		require.NoError(t, s.Delete(ctx, "b"))
		_, err = s.Get(ctx, "b")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		list, err = s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestStoreClosed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.Initialize(ctx, "s", StepOutput{})
		assert.ErrorIs(t, err, ErrStoreClosed)
		_, err = s.Get(ctx, "s")
		assert.ErrorIs(t, err, ErrStoreClosed)
		_, err = s.List(ctx)
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestStoreConcurrentSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const sessions, steps = 4, 10

		for i := 0; i < sessions; i++ {
			_, err := s.Initialize(ctx, fmt.Sprintf("s%d", i), StepOutput{})
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, sessions*steps)
		for i := 0; i < sessions; i++ {
			id := fmt.Sprintf("s%d", i)
			for j := 0; j < steps; j++ {
				wg.Add(1)
				go func(entry string) {
					defer wg.Done()
					_, err := s.ApplyStepResult(ctx, id, StepOutput{History: []string{entry}})
					errs <- err
				}(fmt.Sprintf("%s-%d", id, j))
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for i := 0; i < sessions; i++ {
			id := fmt.Sprintf("s%d", i)
			st, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Len(t, st.History, steps)
			assert.Equal(t, int64(steps+1), st.Version)
			for _, h := range st.History {
				assert.Contains(t, h, id+"-", "no entry leaks across sessions")
			}
		}
	})
}

func TestSQLiteStoreCheckpoints(t *testing.T) {
	s, err := NewSQLiteStore(persistence.MemoryPath)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Initialize(ctx, "cp", StepOutput{Current: Ref(proto.StateRoute)})
	require.NoError(t, err)
	for _, next := range []proto.State{proto.StateGenerate, proto.StateExecute, proto.StateTerminated} {
		_, err = s.ApplyStepResult(ctx, "cp", StepOutput{Current: Ref(next)})
		require.NoError(t, err)
	}

	cps, err := s.Checkpoints(ctx, "cp")
	require.NoError(t, err)
	require.Len(t, cps, 4)
	var states []proto.State
	for _, cp := range cps {
		states = append(states, cp.Current)
	}
	assert.Equal(t, []proto.State{proto.StateRoute, proto.StateGenerate, proto.StateExecute, proto.StateTerminated}, states)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/sessions.db"
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.Initialize(ctx, "keep", StepOutput{Task: Ref("persist me"), Suspended: Ref(true)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Task)
	assert.True(t, got.Suspended)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = s.Initialize(ctx, "keep", StepOutput{Task: Ref("persist me")})
	require.NoError(t, err)

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Task)
	assert.Equal(t, dir, s2.Dir())
}

func TestStoreLeases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Acquire(ctx, "s1", "owner-a", time.Hour))
		assert.ErrorIs(t, s.Acquire(ctx, "s1", "owner-b", time.Hour), ErrSessionLeased)
		require.NoError(t, s.Acquire(ctx, "s1", "owner-a", time.Hour), "renewal")
		require.NoError(t, s.Acquire(ctx, "s2", "owner-b", time.Hour), "leases are per id")

		require.NoError(t, s.Release(ctx, "s1", "owner-b"))
		assert.ErrorIs(t, s.Acquire(ctx, "s1", "owner-b", time.Hour), ErrSessionLeased)

		require.NoError(t, s.Release(ctx, "s1", "owner-a"))
		require.NoError(t, s.Acquire(ctx, "s1", "owner-b", time.Hour))

		assert.ErrorIs(t, s.Acquire(ctx, "../x", "owner-a", time.Hour), ErrInvalidSessionID)
		assert.Error(t, s.Acquire(ctx, "s3", "", time.Hour))
		assert.Error(t, s.Acquire(ctx, "s3", "owner-a", 0))

		// Leases never show up as sessions.
		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestStoreLeaseExpires(t *testing.T) {
	for _, f := range storeFactories() {
		if f.name == "redis" {
			continue
		}
		t.Run(f.name, func(t *testing.T) {
			s, ks := f.open(t)
			t.Cleanup(func() { _ = s.Close() })
			now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			ks.now = func() time.Time { return now }
			ctx := context.Background()

			require.NoError(t, s.Acquire(ctx, "s1", "crashed", time.Minute))
			now = now.Add(30 * time.Second)
			assert.ErrorIs(t, s.Acquire(ctx, "s1", "next", time.Minute), ErrSessionLeased)
			now = now.Add(time.Minute)
			require.NoError(t, s.Acquire(ctx, "s1", "next", time.Minute))
			assert.ErrorIs(t, s.Acquire(ctx, "s1", "crashed", time.Minute), ErrSessionLeased)
		})
	}
}

func TestRedisLeaseExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", 0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "s1", "crashed", time.Minute))
	assert.True(t, mr.Exists("test:lease:s1"))
	assert.ErrorIs(t, s.Acquire(ctx, "s1", "next", time.Minute), ErrSessionLeased)

	mr.FastForward(2 * time.Minute)
	require.NoError(t, s.Acquire(ctx, "s1", "next", time.Minute))
	got, err := mr.Get("test:lease:s1")
	require.NoError(t, err)
	assert.Equal(t, "next", got)
}
