// Package governor implements the recursive control hierarchy shared by
// every adaptive component in the core, modeled on Beer's Viable System
// Model: a single capability set (Governor) that every concrete governor —
// from a single serial port's buffer-mode selector up to the System 5
// meta-governor — implements, driven by a Probe-Sense-Respond-Learn-Validate
// cycle (PSRLV).
//
// This replaces a class hierarchy of "every governor extends a common base"
// with one explicit interface and a set of concrete implementations tagged
// by VSM level. Dispatch is always a direct method call, never a virtual
// chain through shared base state.
package governor

import (
	"context"
	"time"
)

// Level is a Viable System Model recursion level, 1 (direct operations)
// through 5 (meta-governance / policy identity).
type Level int

const (
	LevelOperations    Level = 1 // System 1: serial port controllers
	LevelCoordination  Level = 2 // System 2: conflict arbitration
	LevelControl       Level = 3 // System 3: port manager / routing
	LevelIntelligence  Level = 4 // System 4: drift detection, aggregation
	LevelPolicy        Level = 5 // System 5: meta-governance, self-repair policy
)

// Classification is the Sense-phase verdict against a governor's learned
// baseline.
type Classification int

const (
	Nominal Classification = iota
	Drifting
	Critical
)

func (c Classification) String() string {
	switch c {
	case Nominal:
		return "nominal"
	case Drifting:
		return "drifting"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Measurement is a Probe-phase observation. Kept deliberately generic
// (a small tagged bag) so that the framework doesn't need to know what a
// serial port's buffer-mode governor probes versus what the A2A bridge's
// rate-limit governor probes.
type Measurement map[string]float64

// Metrics is a point-in-time snapshot a governor reports upward.
type Metrics struct {
	CycleCount      uint64
	FailureCount    uint64
	LastClass       Classification
	LastProbeAt     time.Time
	LastCycleLatency time.Duration
}

// Governor is the single capability set every adaptive component
// implements. There is no base class: a concrete governor is any type
// satisfying this interface, tagged with its VSM Level at registration.
type Governor interface {
	// ID returns the governor's stable identifier, unique within a Registry.
	ID() string

	// Level returns the governor's VSM recursion level.
	Level() Level

	// Initialize prepares the governor to run. Called once before Start.
	Initialize(ctx context.Context) error

	// Start marks the governor as started. The PSRLV cycle loop itself is
	// driven by a Runner, which does not call Start; implementations in
	// this module return at once.
	Start(ctx context.Context) error

	// Stop releases the governor's resources. The Runner does not call it.
	// Idempotent: calling Stop on an already-stopped governor is a no-op.
	Stop() error

	// Probe collects current measurements. Must be non-blocking and
	// side-effect free beyond the governor's own counters.
	Probe(ctx context.Context) (Measurement, error)

	// Sense classifies a measurement against the governor's learned
	// baseline.
	Sense(m Measurement) Classification

	// Respond takes an action proportional to the classification. Actions
	// must be idempotent: calling Respond twice with the same
	// classification in the same state must not compound the effect.
	Respond(ctx context.Context, c Classification) error

	// Learn updates the governor's pattern store with the observation.
	// Learning is bounded: implementations must cap stored entries per key
	// and evict by decay rather than grow unbounded.
	Learn(m Measurement, c Classification) error

	// Validate confirms the last Respond produced the expected effect.
	// Returns false when the response did not take hold, prompting
	// escalation to the parent governor.
	Validate(ctx context.Context) (bool, error)

	// SnapshotMetrics returns a point-in-time metrics snapshot.
	SnapshotMetrics() Metrics
}
