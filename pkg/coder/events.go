package coder

import (
	"time"

	"codeagent/pkg/exec"
	"codeagent/pkg/proto"
	"codeagent/pkg/state"
)

// Observer receives turn events as the machine runs. OnEvent is called
// synchronously from the turn and must not block.
type Observer interface {
	OnEvent(ev proto.TurnEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev proto.TurnEvent)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ev proto.TurnEvent) { f(ev) }

// Observers fans an event out in order.
type Observers []Observer

// OnEvent implements Observer.
func (o Observers) OnEvent(ev proto.TurnEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(ev)
		}
	}
}

// Recorder collects machine metrics.
type Recorder interface {
	ObserveStep(s proto.State, d time.Duration, err error)
	ObserveExecution(outcome exec.Outcome, d time.Duration)
	ObserveTurn(outcome state.TurnOutcome)
	IncRepair()
}

type nopRecorder struct{}

func (nopRecorder) ObserveStep(proto.State, time.Duration, error) {}
func (nopRecorder) ObserveExecution(exec.Outcome, time.Duration) {}
func (nopRecorder) ObserveTurn(state.TurnOutcome) {}
func (nopRecorder) IncRepair() {}
