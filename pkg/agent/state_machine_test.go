package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/pkg/proto"
	"codeagent/pkg/state"
)

var testTable = TransitionTable{
	proto.StateRoute:    {proto.StateGenerate, proto.StateTerminated},
	proto.StateGenerate: {proto.StateExecute, proto.StateTerminated},
	proto.StateExecute:  {proto.StateTerminated},
}

func newMachine(t *testing.T) (*BaseStateMachine, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	_, err := store.Initialize(context.Background(), "s1", state.StepOutput{
		Task:    state.Ref("plot a sine wave"),
		Current: state.Ref(proto.StateRoute),
	})
	require.NoError(t, err)
	return NewBaseStateMachine("s1", proto.StateRoute, store, testTable, nil), store
}

func TestTransitionCheckpoints(t *testing.T) {
	sm, store := newMachine(t)
	ctx := context.Background()

	st, err := sm.TransitionTo(ctx, proto.StateGenerate, state.StepOutput{
		RoutingDecision: state.Ref(proto.DestSimpleTask),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, proto.StateGenerate, st.Current)
	assert.Equal(t, proto.StateGenerate, sm.GetCurrentState())

	stored, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, proto.StateGenerate, stored.Current)
	assert.Equal(t, proto.DestSimpleTask, stored.RoutingDecision)
	assert.Equal(t, st.Version, stored.Version)
}

func TestInvalidTransitionLeavesStateUntouched(t *testing.T) {
	sm, store := newMachine(t)
	ctx := context.Background()
	before, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	_, err = sm.TransitionTo(ctx, proto.StateExecute, state.StepOutput{}, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, proto.StateRoute, sm.GetCurrentState())

	after, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestFailedCheckpointDoesNotAdvance(t *testing.T) {
	sm, store := newMachine(t)
	require.NoError(t, store.Close())

	_, err := sm.TransitionTo(context.Background(), proto.StateGenerate, state.StepOutput{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrStoreClosed))
	assert.Equal(t, proto.StateRoute, sm.GetCurrentState())
	assert.Empty(t, sm.GetTransitions())
}

func TestNotifications(t *testing.T) {
	sm, _ := newMachine(t)
	ch := make(chan *proto.StateChangeNotification, 1)
	sm.SetStateNotificationChannel(ch)
	ctx := context.Background()

	_, err := sm.TransitionTo(ctx, proto.StateGenerate, state.StepOutput{}, map[string]any{"why": "simple"})
	require.NoError(t, err)
	n := <-ch
	assert.Equal(t, "s1", n.SessionID)
	assert.Equal(t, proto.StateRoute, n.FromState)
	assert.Equal(t, proto.StateGenerate, n.ToState)

	// Full channel must not block.
	ch <- &proto.StateChangeNotification{}
	_, err = sm.TransitionTo(ctx, proto.StateExecute, state.StepOutput{}, nil)
	require.NoError(t, err)
	assert.Len(t, sm.GetTransitions(), 2)
}

func TestCancelledContext(t *testing.T) {
	sm, _ := newMachine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sm.TransitionTo(ctx, proto.StateGenerate, state.StepOutput{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointAndReset(t *testing.T) {
	sm, store := newMachine(t)
	ctx := context.Background()

	_, err := sm.Checkpoint(ctx, state.StepOutput{Suspended: state.Ref(true)})
	require.NoError(t, err)
	stored, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, stored.Suspended)
	assert.Equal(t, proto.StateRoute, stored.Current)

	sm.Reset(proto.StateExecute)
	assert.Equal(t, proto.StateExecute, sm.GetCurrentState())
}
