package portmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/cyreal-project/cyreal-core/internal/platform"
	"github.com/cyreal-project/cyreal-core/internal/serialport"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(Config{ConflictPolicy: ConflictPriority}, platform.Capability{}, nil)
}

// insertUnopenedPort adds a port entry directly (white-box, same package)
// backed by a real but never-opened Controller, so arbitration and registry
// bookkeeping can be exercised without a physical device.
func insertUnopenedPort(m *Manager, id string, priority int) {
	ctrl := serialport.NewController(id, "/dev/does-not-exist", platform.Capability{}, nil)
	m.mu.Lock()
	m.ports[id] = &entry{ctrl: ctrl, path: "/dev/does-not-exist", portType: serialport.TypeRS232, priority: priority}
	m.mu.Unlock()
}

func TestManager_RegisterDuplicateID(t *testing.T) {
	m := newTestManager(t)
	insertUnopenedPort(m, "p1", 1)
	_, err := m.Register("p1", "/dev/ttyS0", serialport.TypeRS232, 1, serialport.LineSettings{})
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestManager_RegisterRejectsEmptyID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Register("", "/dev/ttyS0", serialport.TypeRS232, 0, serialport.LineSettings{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestManager_UnregisterUnknownFails(t *testing.T) {
	m := newTestManager(t)
	if err := m.Unregister("nope"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestManager_ListReflectsRegisteredPorts(t *testing.T) {
	m := newTestManager(t)
	insertUnopenedPort(m, "p1", 1)
	insertUnopenedPort(m, "p2", 2)

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
}

func TestManager_LookupUnknownPort(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.Lookup("nope"); ok {
		t.Fatalf("expected lookup miss")
	}
}

func TestManager_RouteArbitratesOwnership(t *testing.T) {
	m := newTestManager(t)
	insertUnopenedPort(m, "p1", 5)

	// First requester is granted ownership but the write itself fails
	// because the port was never opened — this still proves arbitration ran.
	_, err := m.Route(context.Background(), "p1", "agent-a", 10, []byte("x"))
	if !errors.Is(err, serialport.ErrNotOperational) {
		t.Fatalf("first route err = %v, want ErrNotOperational (ownership granted, write fails)", err)
	}

	// A lower-priority requester is rejected with ErrPortInUse, naming the
	// current owner.
	_, err = m.Route(context.Background(), "p1", "agent-b", 1, []byte("y"))
	if err == nil {
		t.Fatalf("expected ErrPortInUse for lower-priority contender")
	}
}

func TestManager_RouteUnknownPort(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Route(context.Background(), "nope", "agent-a", 0, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestManager_SubscribeUnknownPort(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Subscribe("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
