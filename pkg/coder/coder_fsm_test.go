package coder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"codeagent/pkg/proto"
)

func TestAllStatesReachable(t *testing.T) {
	states := GetAllCoderStates()
	assert.Equal(t, []proto.State{
		proto.StateClassify,
		proto.StateExecute,
		proto.StateGenerate,
		proto.StateRoute,
		proto.StateSuggest,
		proto.StateTerminated,
	}, states)

	for _, s := range states {
		_, err := proto.ParseState(string(s))
		assert.NoError(t, err, s)
	}
}

func TestCoderTransitions(t *testing.T) {
	tests := []struct {
		from, to proto.State
		valid    bool
	}{
		{proto.StateTerminated, proto.StateRoute, true},
		{proto.StateRoute, proto.StateGenerate, true},
		{proto.StateRoute, proto.StateSuggest, true},
		{proto.StateSuggest, proto.StateGenerate, true},
		{proto.StateSuggest, proto.StateRoute, true},
		{proto.StateGenerate, proto.StateExecute, true},
		{proto.StateExecute, proto.StateClassify, true},
		{proto.StateExecute, proto.StateTerminated, true},
		{proto.StateClassify, proto.StateGenerate, true},
		{proto.StateClassify, proto.StateTerminated, true},

		{proto.StateTerminated, proto.StateGenerate, false},
		{proto.StateGenerate, proto.StateClassify, false},
		{proto.StateExecute, proto.StateGenerate, false},
		{proto.StateRoute, proto.StateExecute, false},
		{proto.StateClassify, proto.StateExecute, false},
		{proto.StateTerminated, proto.StateTerminated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidCoderTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestEveryActiveStateCanTerminate(t *testing.T) {
	for _, s := range GetAllCoderStates() {
		if s == proto.StateTerminated {
			continue
		}
		assert.True(t, IsValidCoderTransition(s, proto.StateTerminated), s)
	}
}

func TestNormalizeFailure(t *testing.T) {
	a := "TypeError: <object at 0x7f3a2b> is not callable\n"
	b := "TypeError:  <object at 0x10ffee>   is not callable"
	assert.Equal(t, normalizeFailure(a), normalizeFailure(b))
	assert.NotEqual(t, normalizeFailure(a), normalizeFailure("ValueError: x"))
	assert.Equal(t, "last", lastLine("first\nlast\n\n"))
}
