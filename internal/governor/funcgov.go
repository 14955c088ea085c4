// funcgov.go — a closure-driven Governor for System 2-5 meta-governors
// that sense an aggregate signal (conflict rate, drift count, quarantine
// count) rather than owning a single piece of hardware. Reuses Baseline
// for its Learn-phase EWMA the same way a port's sub-governors do,
// generalized to any probe function instead of one fixed to a Controller.
package governor

import "context"

// ProbeFunc collects one measurement for a FuncGovernor. Must be
// non-blocking and side-effect free, per the Governor contract.
type ProbeFunc func(ctx context.Context) (Measurement, error)

// RespondFunc takes the governor's corrective action for a non-nominal
// classification. May be nil, in which case Respond is a no-op (a
// read-only aggregate governor that only ever reports drift).
type RespondFunc func(ctx context.Context, c Classification) error

// FuncGovernor adapts a probe closure and an EWMA baseline into a full
// Governor, for meta-governors that watch a derived metric (e.g. "System
// 3 conflict rate") instead of driving hardware directly.
type FuncGovernor struct {
	id      string
	level   Level
	probe   ProbeFunc
	respond RespondFunc
	key     string // Measurement key this governor senses against its baseline
	baseline *Baseline

	driftThreshold    float64
	criticalThreshold float64

	cycles  uint64
	lastCls Classification
}

// NewFuncGovernor constructs a FuncGovernor. key names the Measurement
// field probe returns that Sense classifies against an EWMA baseline
// seeded from the first observation: a deviation past driftThreshold is
// Drifting, past criticalThreshold is Critical.
func NewFuncGovernor(id string, level Level, key string, driftThreshold, criticalThreshold float64, alpha float64, probe ProbeFunc, respond RespondFunc) *FuncGovernor {
	return &FuncGovernor{
		id:                id,
		level:             level,
		probe:             probe,
		respond:           respond,
		key:               key,
		baseline:          NewBaseline(alpha),
		driftThreshold:    driftThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (f *FuncGovernor) ID() string  { return f.id }
func (f *FuncGovernor) Level() Level { return f.level }

func (f *FuncGovernor) Initialize(ctx context.Context) error { return nil }
func (f *FuncGovernor) Start(ctx context.Context) error      { return nil }
func (f *FuncGovernor) Stop() error                          { return nil }

func (f *FuncGovernor) Probe(ctx context.Context) (Measurement, error) {
	if f.probe == nil {
		return Measurement{}, nil
	}
	return f.probe(ctx)
}

func (f *FuncGovernor) Sense(m Measurement) Classification {
	dev := f.baseline.Deviation(m[f.key])
	switch {
	case dev >= f.criticalThreshold:
		return Critical
	case dev >= f.driftThreshold:
		return Drifting
	default:
		return Nominal
	}
}

func (f *FuncGovernor) Respond(ctx context.Context, c Classification) error {
	f.lastCls = c
	if f.respond == nil {
		return nil
	}
	return f.respond(ctx, c)
}

func (f *FuncGovernor) Learn(m Measurement, c Classification) error {
	f.baseline.Update(m[f.key])
	f.cycles++
	return nil
}

func (f *FuncGovernor) Validate(ctx context.Context) (bool, error) { return true, nil }

func (f *FuncGovernor) SnapshotMetrics() Metrics {
	return Metrics{CycleCount: f.cycles, LastClass: f.lastCls}
}
