package serialport

import "testing"

func TestStateMachine_InitialStatusClosed(t *testing.T) {
	m := newStateMachine()
	if got := m.get(); got != StatusClosed {
		t.Fatalf("initial status = %s, want closed", got)
	}
}

func TestStateMachine_OpenCloseCycle(t *testing.T) {
	m := newStateMachine()
	for _, s := range []Status{StatusOpening, StatusOperational, StatusClosed} {
		if err := m.transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestStateMachine_RejectsSkippingOpening(t *testing.T) {
	m := newStateMachine()
	if err := m.transition(StatusOperational); err == nil {
		t.Fatalf("expected error skipping opening")
	}
}

func TestStateMachine_WarningRoundTrip(t *testing.T) {
	m := newStateMachine()
	m.transition(StatusOpening)
	m.transition(StatusOperational)
	if err := m.transition(StatusWarning); err != nil {
		t.Fatalf("operational -> warning: %v", err)
	}
	if err := m.transition(StatusOperational); err != nil {
		t.Fatalf("warning -> operational: %v", err)
	}
}

func TestStateMachine_ErrorRecoversToStandbyOrClosed(t *testing.T) {
	m := newStateMachine()
	m.transition(StatusOpening)
	m.transition(StatusOperational)
	m.transition(StatusError)
	if err := m.transition(StatusStandby); err != nil {
		t.Fatalf("error -> standby: %v", err)
	}
}

func TestStateMachine_ForceTransitionBypassesTable(t *testing.T) {
	m := newStateMachine()
	m.forceTransition(StatusStandby)
	if got := m.get(); got != StatusStandby {
		t.Fatalf("forced status = %s, want standby", got)
	}
}
