package saga

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/statekit"
)

// Machine states; the values match the Phase constants.
const (
	stateIdle        = "idle"
	stateRunning     = "running"
	stateRollingBack = "rolling_back"
	stateCompleted   = "completed"
	stateFailed      = "failed"
)

// Event types for the phase machine.
const (
	eventStart          = "START"
	eventResumeRollback = "RESUME_ROLLBACK"
	eventStepFailed     = "STEP_FAILED"
	eventComplete       = "COMPLETE"
	eventFail           = "FAIL"
	eventReset          = "RESET"
)

// phaseContext is the statekit context type; the driver keeps its own state.
type phaseContext struct{}

// phaseMachine tracks the driver phase:
//
//	idle -> running -> completed
//	             |---> failed
//	             '---> rolling_back -> failed
//	idle -> rolling_back (resumed rollback)
type phaseMachine struct {
	mu     sync.RWMutex
	interp *statekit.Interpreter[phaseContext]
}

func newPhaseMachine(name string) (*phaseMachine, error) {
	machine, err := statekit.NewMachine[phaseContext]("saga:"+name).
		WithInitial(stateIdle).
		WithContext(phaseContext{}).
		State(stateIdle).
		On(eventStart).Target(stateRunning).
		On(eventResumeRollback).Target(stateRollingBack).Done().
		State(stateRunning).
		On(eventComplete).Target(stateCompleted).
		On(eventStepFailed).Target(stateRollingBack).
		On(eventFail).Target(stateFailed).Done().
		State(stateRollingBack).
		On(eventFail).Target(stateFailed).Done().
		State(stateCompleted).
		On(eventReset).Target(stateIdle).Done().
		State(stateFailed).
		On(eventReset).Target(stateIdle).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build phase machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &phaseMachine{interp: interp}, nil
}

func (m *phaseMachine) send(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interp.Send(statekit.Event{Type: statekit.EventType(event)})
}

func (m *phaseMachine) phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Phase(m.interp.State().Value)
}

// reset brings a finished machine back to idle before the next run.
func (m *phaseMachine) reset() {
	switch m.phase() {
	case PhaseCompleted, PhaseFailed:
		m.send(eventReset)
	}
}
