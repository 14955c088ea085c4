// arbiter.go — conflict resolution between contending write requests for
// the same port, implementing the three policies named in the port manager
// contract: priority, round-robin, and load-balance.
package portmgr

import "sync"

// ConflictPolicy selects how the Arbiter resolves contested port ownership.
type ConflictPolicy string

const (
	ConflictPriority    ConflictPolicy = "priority"
	ConflictRoundRobin  ConflictPolicy = "round_robin"
	ConflictLoadBalance ConflictPolicy = "load_balance"
)

// Arbiter decides, for a given port, which requester is granted ownership
// when the current owner differs from a new requester.
type Arbiter interface {
	// Arbitrate returns the winning requester id and whether ownership
	// changed (granted=true) to that winner. currentOwner may be empty
	// (unowned). priority is the requester's configured numeric priority,
	// consulted only by the priority policy.
	Arbitrate(portID, currentOwner, requester string, priority int) (winner string, granted bool)
}

func newArbiter(policy ConflictPolicy) Arbiter {
	switch policy {
	case ConflictRoundRobin:
		return &roundRobinArbiter{}
	case ConflictLoadBalance:
		return &loadBalanceArbiter{load: make(map[string]int)}
	default:
		return &priorityArbiter{priorities: make(map[string]int)}
	}
}

// priorityArbiter grants ownership to whichever requester has the highest
// configured priority; ties favor the current owner to avoid unnecessary
// churn. This is the default policy.
type priorityArbiter struct {
	mu         sync.Mutex
	priorities map[string]int // "portID|requester" -> last-seen priority
}

func (a *priorityArbiter) Arbitrate(portID, currentOwner, requester string, priority int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reqKey := portID + "|" + requester
	a.priorities[reqKey] = priority
	if currentOwner == "" || currentOwner == requester {
		return requester, true
	}
	key := portID + "|" + currentOwner
	currentPriority, known := a.priorities[key]

	if !known {
		// No record of the current owner's priority: treat it as already
		// holding ground, so only a strictly higher priority dislodges it.
		return currentOwner, false
	}
	if priority > currentPriority {
		return requester, true
	}
	return currentOwner, false
}

// roundRobinArbiter grants each request a fair turn, regardless of who
// currently holds the port: every call simply switches ownership to the
// new requester unless it is already the owner.
type roundRobinArbiter struct {
	mu sync.Mutex
}

func (a *roundRobinArbiter) Arbitrate(portID, currentOwner, requester string, priority int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if currentOwner == requester {
		return requester, true
	}
	return requester, true
}

// loadBalanceArbiter grants ownership to whichever requester has issued
// fewer writes so far, approximating "least busy wins".
type loadBalanceArbiter struct {
	mu   sync.Mutex
	load map[string]int
}

func (a *loadBalanceArbiter) Arbitrate(portID, currentOwner, requester string, priority int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.load[requester]++
	if currentOwner == "" || currentOwner == requester {
		return requester, true
	}
	if a.load[requester] <= a.load[currentOwner] {
		return requester, true
	}
	return currentOwner, false
}
