// statemachine.go — the port operational state machine, serialized per
// port: at most one state-changing operation is in flight at a time. The
// transition table itself follows the same table-driven shape as
// governor.Lifecycle (and, ultimately, the teacher's escalation state
// machine), but the states and edges are the port's own.
package serialport

import (
	"fmt"
	"sync"
)

var portTransitions = map[Status][]Status{
	StatusClosed:      {StatusOpening},
	StatusOpening:     {StatusOperational, StatusError, StatusClosed},
	StatusOperational:  {StatusWarning, StatusError, StatusClosed, StatusStandby, StatusMaintenance},
	StatusWarning:     {StatusOperational, StatusError, StatusClosed},
	StatusError:       {StatusClosed, StatusStandby},
	StatusStandby:     {StatusOpening, StatusClosed},
	StatusMaintenance: {StatusOperational, StatusClosed},
}

// stateMachine guards a port's Status with a mutex, so "transitions must be
// serialized: at most one state-changing operation is in flight per port"
// holds even when open/close/configure race.
type stateMachine struct {
	mu      sync.Mutex
	current Status
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StatusClosed}
}

func (m *stateMachine) transition(target Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range portTransitions[m.current] {
		if s == target {
			m.current = target
			return nil
		}
	}
	return fmt.Errorf("serialport: invalid status transition %s -> %s", m.current, target)
}

// forceTransition applies target unconditionally. Used by Controller.Open
// (error on a failed open), Controller.Close (closed from any state) and
// the recovery governor's standby-on-giveup path, where the source state
// may have no declared edge to the target.
func (m *stateMachine) forceTransition(target Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = target
}

func (m *stateMachine) get() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// withLock runs fn while holding the state machine's lock, so a caller can
// check-then-transition atomically (e.g. "only open if currently closed").
func (m *stateMachine) withLock(fn func(current Status) (Status, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, err := fn(m.current)
	if err != nil {
		return err
	}
	allowed := false
	for _, s := range portTransitions[m.current] {
		if s == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("serialport: invalid status transition %s -> %s", m.current, target)
	}
	m.current = target
	return nil
}
