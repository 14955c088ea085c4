package portmgr

import "testing"

func TestPriorityArbiter_UnownedGrantsImmediately(t *testing.T) {
	a := newArbiter(ConflictPriority)
	winner, granted := a.Arbitrate("p1", "", "agent-a", 5)
	if !granted || winner != "agent-a" {
		t.Fatalf("winner=%s granted=%v, want agent-a/true", winner, granted)
	}
}

func TestPriorityArbiter_HigherPriorityWins(t *testing.T) {
	a := newArbiter(ConflictPriority)
	a.Arbitrate("p1", "", "agent-a", 1)
	winner, granted := a.Arbitrate("p1", "agent-a", "agent-b", 10)
	if !granted || winner != "agent-b" {
		t.Fatalf("winner=%s granted=%v, want agent-b/true", winner, granted)
	}
}

func TestPriorityArbiter_LowerPriorityLoses(t *testing.T) {
	a := newArbiter(ConflictPriority)
	a.Arbitrate("p1", "", "agent-a", 10)
	winner, granted := a.Arbitrate("p1", "agent-a", "agent-b", 1)
	if granted || winner != "agent-a" {
		t.Fatalf("winner=%s granted=%v, want agent-a/false", winner, granted)
	}
}

func TestPriorityArbiter_SameOwnerAlwaysGranted(t *testing.T) {
	a := newArbiter(ConflictPriority)
	a.Arbitrate("p1", "", "agent-a", 5)
	winner, granted := a.Arbitrate("p1", "agent-a", "agent-a", 5)
	if !granted || winner != "agent-a" {
		t.Fatalf("re-requesting own ownership should always be granted")
	}
}

func TestRoundRobinArbiter_AlwaysGrantsNewRequester(t *testing.T) {
	a := newArbiter(ConflictRoundRobin)
	winner, granted := a.Arbitrate("p1", "agent-a", "agent-b", 0)
	if !granted || winner != "agent-b" {
		t.Fatalf("round robin should grant every requester a turn")
	}
}

func TestLoadBalanceArbiter_LeastBusyWins(t *testing.T) {
	a := newArbiter(ConflictLoadBalance)
	a.Arbitrate("p1", "", "agent-a", 0) // agent-a load = 1, becomes owner
	a.Arbitrate("p1", "agent-a", "agent-a", 0) // agent-a load = 2
	a.Arbitrate("p1", "agent-a", "agent-a", 0) // agent-a load = 3

	winner, granted := a.Arbitrate("p1", "agent-a", "agent-b", 0) // agent-b load = 1
	if !granted || winner != "agent-b" {
		t.Fatalf("winner=%s granted=%v, want agent-b (less busy)", winner, granted)
	}
}
