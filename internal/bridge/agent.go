// agent.go — the Agent Card data model and the concurrent Agent Registry.
// Grounded on the teacher's internal/operator/server.go MemRegistry
// (RWMutex map, per-entry struct) but the entries here are Agent Cards with
// their own per-entry lock for the last-seen/status updates that happen on
// every heartbeat. Reads take the map's read lock and then the entry's read
// lock; they are not lock-free.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyreal-project/cyreal-core/internal/netguard"
)

// CapabilityCategory classifies what kind of operation a declared
// Capability grants.
type CapabilityCategory string

const (
	CategorySerial     CapabilityCategory = "serial"
	CategoryNetwork    CapabilityCategory = "network"
	CategoryGovernance CapabilityCategory = "governance"
	CategoryMonitoring CapabilityCategory = "monitoring"
	CategoryCustom     CapabilityCategory = "custom"
)

// Capability is one declared ability on an Agent Card.
type Capability struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Category     CapabilityCategory `json:"category"`
	InputSchema  json.RawMessage    `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage    `json:"outputSchema,omitempty"`
}

// Endpoint is one address an agent can be reached at.
type Endpoint struct {
	Protocol string `json:"protocol"` // https | wss
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Path     string `json:"path"`
}

// AgentCard is the credential presented by every remote client at
// registration.
type AgentCard struct {
	AgentID      string            `json:"agentId"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version"`
	Capabilities []Capability      `json:"capabilities"`
	Endpoints    []Endpoint        `json:"endpoints"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	LastSeen     time.Time         `json:"lastSeen"`
}

// HasCapability reports whether the card declares capability id.
func (c AgentCard) HasCapability(id string) bool {
	for _, cap := range c.Capabilities {
		if cap.ID == id {
			return true
		}
	}
	return false
}

// Validate checks the Agent Card invariants from the data model: UUID
// identifier, every endpoint host RFC-1918, and anti-replay on lastSeen.
func (c AgentCard) Validate(now time.Time) error {
	if _, err := uuid.Parse(c.AgentID); err != nil {
		return fmt.Errorf("bridge: agent id %q is not a valid uuid: %w", c.AgentID, err)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("bridge: agent card declares no endpoints")
	}
	for _, ep := range c.Endpoints {
		if ep.Protocol != "https" && ep.Protocol != "wss" {
			return fmt.Errorf("bridge: endpoint protocol %q not in {https,wss}", ep.Protocol)
		}
		if !netguard.IsAllowedHost(ep.Host) {
			return fmt.Errorf("bridge: endpoint host %q fails RFC-1918 validation", ep.Host)
		}
		if ep.Port < 1 || ep.Port > 65535 {
			return fmt.Errorf("bridge: endpoint port %d out of range", ep.Port)
		}
	}
	if now.Sub(c.LastSeen) > 5*time.Minute {
		return fmt.Errorf("bridge: lastSeen %s is more than 5 minutes in the past", c.LastSeen)
	}
	return nil
}

type agentEntry struct {
	mu   sync.RWMutex
	card AgentCard
	lastHeartbeat time.Time
	missedHeartbeats int
	active bool
}

// AgentRegistry is the concurrent map of registered agents, keyed by agent
// id, with per-entry locking so a heartbeat touching one agent never
// contends with a read of another.
type AgentRegistry struct {
	mu      sync.RWMutex
	entries map[string]*agentEntry
}

// NewAgentRegistry returns an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{entries: make(map[string]*agentEntry)}
}

// Register adds or replaces the entry for card.AgentID.
func (r *AgentRegistry) Register(card AgentCard, now time.Time) {
	e := &agentEntry{card: card, lastHeartbeat: now, active: true}
	r.mu.Lock()
	r.entries[card.AgentID] = e
	r.mu.Unlock()
}

// Unregister removes the agent entirely.
func (r *AgentRegistry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.entries, agentID)
	r.mu.Unlock()
}

// Lookup returns a copy of the agent's card, if registered and active.
func (r *AgentRegistry) Lookup(agentID string) (AgentCard, bool) {
	r.mu.RLock()
	e, ok := r.entries[agentID]
	r.mu.RUnlock()
	if !ok {
		return AgentCard{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.active {
		return AgentCard{}, false
	}
	return e.card, true
}

// List returns every active, non-expired agent card matching an optional
// capability filter (empty string matches all).
func (r *AgentRegistry) List(requiredCapability string) []AgentCard {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]AgentCard, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		active := e.active
		card := e.card
		e.mu.RUnlock()
		if !active {
			continue
		}
		if requiredCapability != "" && !card.HasCapability(requiredCapability) {
			continue
		}
		out = append(out, card)
	}
	return out
}

// Heartbeat records a heartbeat for agentID. Returns false if the agent is
// not registered.
func (r *AgentRegistry) Heartbeat(agentID string, now time.Time) bool {
	r.mu.RLock()
	e, ok := r.entries[agentID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.lastHeartbeat = now
	e.missedHeartbeats = 0
	e.active = true
	e.mu.Unlock()
	return true
}

// SweepExpired walks every entry, counting one miss for each sweep that
// finds an agent's last heartbeat older than timeout, and evicting it at
// the second consecutive miss. An agent with one miss stays active and
// visible to Lookup and List; it is not marked inactive before eviction.
// Returns the ids evicted this sweep, so the caller can revoke tokens.
func (r *AgentRegistry) SweepExpired(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	entries := make(map[string]*agentEntry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	var evicted []string
	for id, e := range entries {
		e.mu.Lock()
		overdue := now.Sub(e.lastHeartbeat) > timeout
		if overdue {
			e.missedHeartbeats++
			e.active = e.missedHeartbeats < 2
		}
		evict := e.missedHeartbeats >= 2
		e.mu.Unlock()
		if evict {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		r.Unregister(id)
	}
	return evicted
}
