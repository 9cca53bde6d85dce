package coder

import (
	"slices"

	"codeagent/pkg/agent"
	"codeagent/pkg/proto"
)

// CoderTransitions is the canonical transition table of the control machine.
var CoderTransitions = agent.TransitionTable{
	// ROUTE picks a direct GENERATE for simple tasks or SUGGEST for complex ones.
	proto.StateRoute: {proto.StateGenerate, proto.StateSuggest, proto.StateTerminated},

	// SUGGEST suspends; a resume goes to GENERATE, a fresh task restarts at ROUTE.
	proto.StateSuggest: {proto.StateGenerate, proto.StateRoute, proto.StateTerminated},

	proto.StateGenerate: {proto.StateExecute, proto.StateTerminated},

	// EXECUTE ends the turn on clean output and asks CLASSIFY otherwise.
	proto.StateExecute: {proto.StateClassify, proto.StateTerminated},

	// CLASSIFY loops back for a repair or ends the turn.
	proto.StateClassify: {proto.StateGenerate, proto.StateTerminated},

	proto.StateTerminated: {proto.StateRoute},
}

// IsValidCoderTransition reports whether the table allows from -> to.
func IsValidCoderTransition(from, to proto.State) bool {
	return slices.Contains(CoderTransitions[from], to)
}

// GetAllCoderStates returns every state in the table in alphabetical order.
func GetAllCoderStates() []proto.State {
	set := make(map[proto.State]bool)
	for from, tos := range CoderTransitions {
		set[from] = true
		for _, to := range tos {
			set[to] = true
		}
	}
	states := make([]proto.State, 0, len(set))
	for s := range set {
		states = append(states, s)
	}
	slices.Sort(states)
	return states
}
