package portmgr

import (
	"context"
	"testing"

	"github.com/cyreal-project/cyreal-core/internal/platform"
	"github.com/cyreal-project/cyreal-core/internal/serialport"
)

func TestManager_CheckOneCountsClosedPortAsUnhealthy(t *testing.T) {
	m := newTestManager(t)
	ctrl := serialport.NewController("p1", "/dev/does-not-exist", platform.Capability{}, nil)
	e := &entry{ctrl: ctrl}
	m.checkOne(context.Background(), e)
	if e.unhealthyStreak != 1 {
		t.Fatalf("unhealthy streak = %d, want 1 (closed is not operational/warning)", e.unhealthyStreak)
	}
}

func TestManager_CheckOneAccumulatesStreakOnClosedStatus(t *testing.T) {
	m := newTestManager(t)
	ctrl := serialport.NewController("p1", "/dev/does-not-exist", platform.Capability{}, nil)
	e := &entry{ctrl: ctrl}

	// A closed port is not "healthy" (operational/warning) by the
	// supervision loop's definition, so repeated checks accumulate streak.
	for i := 0; i < 2; i++ {
		m.checkOne(context.Background(), e)
	}
	if e.unhealthyStreak != 2 {
		t.Fatalf("unhealthy streak = %d, want 2", e.unhealthyStreak)
	}
}
