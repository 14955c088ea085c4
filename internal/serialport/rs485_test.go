package serialport

import (
	"context"
	"testing"

	"github.com/cyreal-project/cyreal-core/internal/governor"
)

func rs485Settings() LineSettings {
	return LineSettings{
		Type:        TypeRS485,
		BaudRate:    9600,
		DataBits:    8,
		StopBits:    1,
		Parity:      ParityNone,
		FlowControl: FlowNone,
		RS485: &RS485Profile{
			TurnaroundDelayUS: 100,
			MultidropAddress:  0,
		},
	}
}

func TestRS485_TransmitAssertsAndDeassertsRTS(t *testing.T) {
	c, fd := newTestController(t)
	if err := c.Open(rs485Settings()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if _, err := c.Write(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if fd.rtsAsserted {
		t.Fatalf("RTS left asserted after transmit completed")
	}
	if string(fd.writtenBytes()) != "frame" {
		t.Fatalf("device received %q", fd.writtenBytes())
	}
}

func TestRS485_WriteErrorPropagates(t *testing.T) {
	c, fd := newTestController(t)
	c.Open(rs485Settings())
	defer c.Close()

	fd.writeErr = errTest
	if _, err := c.Write(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected write error to propagate")
	}
	if fd.rtsAsserted {
		t.Fatalf("RTS should be deasserted even after a write error")
	}
}

func TestRS485_CollisionCountStartsZero(t *testing.T) {
	c, _ := newTestController(t)
	if got := c.rs485Gov.CollisionCount(); got != 0 {
		t.Fatalf("collision count = %d, want 0", got)
	}
}

func TestRS485_LearnPersistsCollisionRateOnDrift(t *testing.T) {
	c, _ := newTestController(t)
	store := newFakeStore()
	c.SetPatternStore(store)

	c.rs485Gov.collisions = 2
	c.rs485Gov.cycles = 10
	if err := c.rs485Gov.Learn(nil, governor.Drifting); err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if _, ok, _ := store.GetPattern(c.rs485Gov.patternKey()); !ok {
		t.Fatal("Learn() did not persist a pattern for a Drifting cycle")
	}
}

func TestRS485_LearnSkipsPersistOnNominalCycle(t *testing.T) {
	c, _ := newTestController(t)
	store := newFakeStore()
	c.SetPatternStore(store)

	if err := c.rs485Gov.Learn(nil, governor.Nominal); err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if _, ok, _ := store.GetPattern(c.rs485Gov.patternKey()); ok {
		t.Fatal("Learn() persisted a pattern for a Nominal cycle, want skipped")
	}
}
