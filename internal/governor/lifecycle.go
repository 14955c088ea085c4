// lifecycle.go — the governor run-state machine, adapted from the teacher's
// escalation state machine (per-id mutex, monotonic-only transitions,
// terminal detection) but retargeted from a severity ladder to a run-state
// ladder: every governor, regardless of VSM level, moves through the same
// ten states as it starts, cycles, and stops.
package governor

import (
	"fmt"
	"sync"
	"time"
)

// RunState is a governor's position in its own lifecycle, independent of
// the Classification its PSRLV cycle is currently producing.
type RunState uint8

const (
	StateUninitialized RunState = iota
	StateInitializing
	StateIdle
	StateProbing
	StateSensing
	StateResponding
	StateLearning
	StateValidating
	StateError
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateSensing:
		return "sensing"
	case StateResponding:
		return "responding"
	case StateLearning:
		return "learning"
	case StateValidating:
		return "validating"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state ends the lifecycle. A governor in a
// terminal state never transitions again without a fresh Initialize.
func (s RunState) IsTerminal() bool {
	return s == StateStopped
}

// transitions lists the run-state edges a Lifecycle will accept. Any edge
// not listed here is rejected by Transition.
var transitions = map[RunState][]RunState{
	StateUninitialized: {StateInitializing, StateError},
	StateInitializing:  {StateIdle, StateError},
	StateIdle:          {StateProbing, StateStopped, StateError},
	StateProbing:       {StateSensing, StateError},
	StateSensing:       {StateResponding, StateIdle, StateError},
	StateResponding:    {StateLearning, StateError},
	StateLearning:      {StateValidating, StateError},
	StateValidating:    {StateIdle, StateError},
	StateError:         {StateIdle, StateStopped},
	StateStopped:       {},
}

// Lifecycle tracks a single governor's run state with a per-instance mutex,
// mirroring the teacher's ProcessState: every mutation takes the lock, reads
// are cheap, and the zero value is not valid (use NewLifecycle).
type Lifecycle struct {
	mu          sync.Mutex
	current     RunState
	enteredAt   time.Time
	lastEventAt time.Time
	cycleCount  uint64
}

// NewLifecycle returns a Lifecycle starting in StateUninitialized.
func NewLifecycle() *Lifecycle {
	now := time.Now()
	return &Lifecycle{
		current:     StateUninitialized,
		enteredAt:   now,
		lastEventAt: now,
	}
}

// Transition moves the lifecycle to target, rejecting edges not present in
// the transitions table. Returns the prior state on success.
func (l *Lifecycle) Transition(target RunState) (RunState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := transitions[l.current]
	ok := false
	for _, s := range allowed {
		if s == target {
			ok = true
			break
		}
	}
	if !ok {
		return l.current, fmt.Errorf("governor: invalid transition %s -> %s", l.current, target)
	}

	prev := l.current
	l.current = target
	l.lastEventAt = time.Now()
	if target == StateIdle && prev == StateValidating {
		l.cycleCount++
	}
	if target != prev {
		l.enteredAt = l.lastEventAt
	}
	return prev, nil
}

// Current returns the current run state.
func (l *Lifecycle) Current() RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// EnteredAt returns when the lifecycle entered its current state.
func (l *Lifecycle) EnteredAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enteredAt
}

// LastEventAt returns the timestamp of the most recent accepted transition;
// rejected transitions do not update it.
func (l *Lifecycle) LastEventAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEventAt
}

// CycleCount returns the number of completed PSRLV cycles (Validating -> Idle).
func (l *Lifecycle) CycleCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycleCount
}

// IsTerminal reports whether the lifecycle has reached StateStopped.
func (l *Lifecycle) IsTerminal() bool {
	return l.Current().IsTerminal()
}
