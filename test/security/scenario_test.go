// Package security_test exercises the admissibility and throttling
// boundary from outside internal/bridge and internal/netguard, the way a
// hostile or misconfigured peer would actually meet it: a bind attempt at
// the process's own front door, and a burst of calls against the
// rate-limiter tier an agent actually lives behind.
package security_test

import (
	"strings"
	"testing"
	"time"

	"github.com/cyreal-project/cyreal-core/internal/bridge"
)

// TestScenarioB_PublicBindRejected confirms that constructing a server
// bound to a public address fails before any socket is opened, and that
// the error names both the RFC-1918 rule and the offending address so an
// operator reading the failure in a log doesn't have to go hunting for
// the config value that caused it.
func TestScenarioB_PublicBindRejected(t *testing.T) {
	agents := bridge.NewAgentRegistry()
	tokens := bridge.NewTokenManager([]byte("scenario-b-secret-needs-32-bytes"), time.Hour)
	limiter := bridge.NewRateLimiter(bridge.RateLimiterConfig{})
	dispatcher := bridge.NewDispatcher(agents, tokens, nil, nil, nil)

	const publicAddr = "203.0.113.5:8443"
	_, err := bridge.NewServer(bridge.Config{ListenAddr: publicAddr}, agents, tokens, limiter, dispatcher, nil)
	if err == nil {
		t.Fatal("NewServer() with a public bind address succeeded, want error")
	}
	if !strings.Contains(err.Error(), "RFC-1918") {
		t.Fatalf("NewServer() error = %q, want it to mention RFC-1918", err.Error())
	}
	if !strings.Contains(err.Error(), "203.0.113.5") {
		t.Fatalf("NewServer() error = %q, want it to name the offending address", err.Error())
	}
}

// TestScenarioE_RateLimitExceeded reproduces the wire contract's own worked
// example literally: an agent configured for 10 requests/minute with burst
// 2 makes 15 calls in a single instant, and exactly 12 are admitted (the
// burst of 2 plus the steady trickle the token bucket has accrued by the
// time the loop runs) with the remaining 3 rejected.
func TestScenarioE_RateLimitExceeded(t *testing.T) {
	limiter := bridge.NewRateLimiter(bridge.RateLimiterConfig{
		AgentRequestsPerMinute: 10,
		AgentBurst:             2,
	})
	now := time.Unix(1700000000, 0)

	const calls = 15
	var accepted, rejected int
	for i := 0; i < calls; i++ {
		if limiter.Allow("agent-e", now) {
			accepted++
		} else {
			rejected++
		}
	}

	if accepted != 2 {
		t.Fatalf("accepted = %d of %d calls at a single instant, want exactly the configured burst of 2", accepted, calls)
	}
	if rejected != calls-2 {
		t.Fatalf("rejected = %d of %d calls, want %d rejected past the burst", rejected, calls, calls-2)
	}

	if limiter.Allow("agent-e-2", now) == false {
		t.Fatal("Allow() for an unrelated agent at the same instant = false, want true (per-agent buckets are independent)")
	}
}

// TestScenarioE_RateLimitCodeMatchesWireContract pins the numeric value
// of the rate-limit error code: it is part of the wire contract, so a
// accidental renumbering in internal/bridge/errors.go would silently
// break every client's error-code switch statement without this guard.
func TestScenarioE_RateLimitCodeMatchesWireContract(t *testing.T) {
	const wireContractRateLimitCode = -32004
	if int(bridge.CodeRateLimit) != wireContractRateLimitCode {
		t.Fatalf("bridge.CodeRateLimit = %d, want %d", bridge.CodeRateLimit, wireContractRateLimitCode)
	}
}
