package governor

import (
	"context"
	"testing"
)

func TestFuncGovernor_SenseClassifiesAgainstBaseline(t *testing.T) {
	calls := 0
	values := []float64{1, 1, 1, 50} // first three settle the baseline near 1; the fourth is a big jump
	probe := func(ctx context.Context) (Measurement, error) {
		v := values[calls]
		calls++
		return Measurement{"rate": v}, nil
	}
	g := NewFuncGovernor("sys3.conflict-rate", LevelControl, "rate", 5, 20, 0.5, probe, nil)

	for i := 0; i < 3; i++ {
		m, err := g.Probe(context.Background())
		if err != nil {
			t.Fatalf("probe: %v", err)
		}
		class := g.Sense(m)
		if class != Nominal {
			t.Errorf("cycle %d: class = %v, want Nominal", i, class)
		}
		if err := g.Learn(m, class); err != nil {
			t.Fatalf("learn: %v", err)
		}
	}

	m, _ := g.Probe(context.Background())
	class := g.Sense(m)
	if class != Critical {
		t.Errorf("final class = %v, want Critical", class)
	}
}

func TestFuncGovernor_RespondInvokesClosure(t *testing.T) {
	var got Classification = -1
	respond := func(ctx context.Context, c Classification) error {
		got = c
		return nil
	}
	g := NewFuncGovernor("sys5.policy", LevelPolicy, "x", 1, 2, 0.3, nil, respond)
	if err := g.Respond(context.Background(), Drifting); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got != Drifting {
		t.Errorf("respond closure saw %v, want Drifting", got)
	}
	snap := g.SnapshotMetrics()
	if snap.LastClass != Drifting {
		t.Errorf("SnapshotMetrics.LastClass = %v, want Drifting", snap.LastClass)
	}
}

func TestFuncGovernor_NilRespondIsNoop(t *testing.T) {
	g := NewFuncGovernor("sys2.arbiter", LevelCoordination, "x", 1, 2, 0.3, nil, nil)
	if err := g.Respond(context.Background(), Critical); err != nil {
		t.Fatalf("respond with nil closure should not error: %v", err)
	}
}
