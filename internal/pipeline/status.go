package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Outcome classifies a finished step, job or stage.
type Outcome string

const (
	OutcomePassed    Outcome = "passed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Machine tracks Pending -> Running(i) -> Succeeded|Failed for a run with a
// fixed number of stages. It is safe for concurrent readers.
type Machine struct {
	mu     sync.RWMutex
	state  State
	stage  int
	stages int
}

func NewMachine(stages int) *Machine {
	return &Machine{state: StatePending, stages: stages}
}

// Current returns the state and, while running, the active stage index.
func (m *Machine) Current() (State, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.stage
}

// Start moves Pending -> Running(0). A run with no stages cannot start.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePending || m.stages == 0 {
		return fmt.Errorf("%w: start from %s with %d stages", ErrInvalidTransition, m.state, m.stages)
	}
	m.state = StateRunning
	m.stage = 0
	return nil
}

// StagePassed moves Running(i) to Running(i+1), or to Succeeded after the
// last stage.
func (m *Machine) StagePassed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: stage passed in %s", ErrInvalidTransition, m.state)
	}
	if m.stage+1 < m.stages {
		m.stage++
		return nil
	}
	m.state = StateSucceeded
	return nil
}

// StageFailed moves Running(i) to Failed.
func (m *Machine) StageFailed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: stage failed in %s", ErrInvalidTransition, m.state)
	}
	m.state = StateFailed
	return nil
}
