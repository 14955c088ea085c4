package security_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cyreal-project/cyreal-core/internal/bridge"
	"github.com/cyreal-project/cyreal-core/internal/netguard"
)

// TestProperty5_RFC1918AdmissibilityTable checks the admissibility
// predicate across the boundary cases that matter most: just inside and
// just outside each private block, loopback, link-local, multicast, and
// a bare hostname, which must always be rejected since the bridge only
// ever binds and accepts literal addresses.
func TestProperty5_RFC1918AdmissibilityTable(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1":       true,
		"10.255.255.255": true,
		"172.16.0.1":     true,
		"172.31.255.255": true,
		"172.15.255.255": false,
		"172.32.0.0":     false,
		"192.168.0.1":    true,
		"192.168.255.255": true,
		"127.0.0.1":      true,
		"169.254.1.1":    false,
		"224.0.0.1":      false,
		"1.1.1.1":        false,
		"example.com":    false,
	}
	for host, want := range cases {
		if got := netguard.IsAllowedHost(host); got != want {
			t.Errorf("IsAllowedHost(%q) = %v, want %v", host, got, want)
		}
	}
}

// TestProperty6_EveryMethodExceptRegisterAndHeartbeatRequiresCapability
// drives every method the dispatcher exposes except agent.register
// (pre-authentication by contract) and agent.heartbeat (any authenticated
// agent may keep its own registration alive) with a caller card that
// declares no capabilities at all, and confirms each is rejected with
// CodeAuthorization. A method silently admitted here would be a
// capability check some future method addition forgot to wire.
func TestProperty6_EveryMethodExceptRegisterAndHeartbeatRequiresCapability(t *testing.T) {
	agents := bridge.NewAgentRegistry()
	tokens := bridge.NewTokenManager([]byte("property-6-secret-needs-32-bytes"), time.Hour)
	d := bridge.NewDispatcher(agents, tokens, nil, nil, nil)

	bareCard := bridge.AgentCard{AgentID: "bare-agent"}

	methods := []string{
		"agent.unregister",
		"agent.list",
		"agent.discover",
		"port.list",
		"port.open",
		"port.close",
		"port.write",
		"port.read",
		"port.configure",
		"governor.status",
		"governor.analyze",
		"security.validateAddress",
		"security.validateCard",
	}

	for _, method := range methods {
		resp := d.Dispatch(context.Background(), bridge.Request{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: method}, bareCard.AgentID, bareCard)
		if resp.Error == nil {
			t.Errorf("%s with no capabilities: Error = nil, want CodeAuthorization", method)
			continue
		}
		if resp.Error.Code != bridge.CodeAuthorization {
			t.Errorf("%s with no capabilities: Error.Code = %d, want %d (CodeAuthorization)", method, resp.Error.Code, bridge.CodeAuthorization)
		}
	}
}

// TestProperty7_TokenLifecycleRevokeAndSweep checks the full token
// lifecycle contract: a freshly issued token validates, Revoke makes it
// fail validation immediately (not just after the next sweep), and Sweep
// purges revoked and long-expired pairs while leaving a live token
// untouched.
func TestProperty7_TokenLifecycleRevokeAndSweep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := bridge.NewTokenManager([]byte("property-7-secret-needs-32-bytes"), time.Hour)

	bearer, pair, err := tokens.Issue("agent-7", map[string]bool{"serial.read": true}, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := tokens.Validate(bearer, now); err != nil {
		t.Fatalf("Validate() on a freshly issued token = %v, want nil", err)
	}

	tokens.Revoke(pair.ID)
	if _, err := tokens.Validate(bearer, now); err != bridge.ErrTokenRevoked {
		t.Fatalf("Validate() after Revoke() = %v, want ErrTokenRevoked", err)
	}

	liveBearer, _, err := tokens.Issue("agent-7b", map[string]bool{"serial.read": true}, now)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	removed := tokens.Sweep(now.Add(2*time.Hour), time.Minute)
	if removed == 0 {
		t.Fatal("Sweep() removed = 0, want at least the revoked token to be purged")
	}
	if _, err := tokens.Validate(liveBearer, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("Validate() for a still-live token after Sweep() = %v, want nil", err)
	}
}
