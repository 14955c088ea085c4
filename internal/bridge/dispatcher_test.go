package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubPortService struct {
	opened map[string]bool
}

func (s *stubPortService) ListPorts() []PortSummary { return []PortSummary{{ID: "p1", Status: "operational"}} }
func (s *stubPortService) OpenPort(ctx context.Context, id string, settings json.RawMessage) error {
	if s.opened == nil {
		s.opened = make(map[string]bool)
	}
	s.opened[id] = true
	return nil
}
func (s *stubPortService) ClosePort(id string) error { return nil }
func (s *stubPortService) WritePort(ctx context.Context, id, requester string, priority int, data []byte) (int, error) {
	return len(data), nil
}
func (s *stubPortService) ConfigurePort(id string, settings json.RawMessage) error { return nil }

type stubGovernorService struct{}

func (stubGovernorService) Status() []GovernorStatus { return []GovernorStatus{{ID: "g1", Level: 1}} }
func (stubGovernorService) Analyze(id string) (GovernorStatus, error) {
	if id == "missing" {
		return GovernorStatus{}, errors.New("not found")
	}
	return GovernorStatus{ID: id}, nil
}

func testDispatcher() (*Dispatcher, *AgentRegistry) {
	agents := NewAgentRegistry()
	tokens := NewTokenManager([]byte("test-secret-test-secret-32bytes"), time.Hour)
	d := NewDispatcher(agents, tokens, &stubPortService{}, stubGovernorService{}, nil)
	return d, agents
}

func cardWithCapabilities(caps ...string) AgentCard {
	card := AgentCard{AgentID: uuid.NewString()}
	for _, c := range caps {
		card.Capabilities = append(card.Capabilities, Capability{ID: c})
	}
	return card
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d, _ := testDispatcher()
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "bogus.method"}, "caller", AgentCard{})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("Dispatch() error = %v, want CodeMethodNotFound", resp.Error)
	}
}

func TestDispatcher_RejectsMissingCapability(t *testing.T) {
	d, _ := testDispatcher()
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "port.open", Params: json.RawMessage(`{"id":"p1"}`)}, "caller", AgentCard{})
	if resp.Error == nil || resp.Error.Code != CodeAuthorization {
		t.Fatalf("Dispatch() error = %v, want CodeAuthorization", resp.Error)
	}
}

func TestDispatcher_AllowsWithCapability(t *testing.T) {
	d, _ := testDispatcher()
	card := cardWithCapabilities("serial.write")
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "port.open", Params: json.RawMessage(`{"id":"p1","settings":{}}`)}, "caller", card)
	if resp.Error != nil {
		t.Fatalf("Dispatch() error = %v, want nil", resp.Error)
	}
}

func TestDispatcher_GovernorAnalyzeNotFound(t *testing.T) {
	d, _ := testDispatcher()
	card := cardWithCapabilities("governance.read")
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "governor.analyze", Params: json.RawMessage(`{"id":"missing"}`)}, "caller", card)
	if resp.Error == nil || resp.Error.Code != CodeAgentNotFound {
		t.Fatalf("Dispatch() error = %v, want CodeAgentNotFound", resp.Error)
	}
}

func TestDispatcher_AgentRegisterRequiresNoCapability(t *testing.T) {
	d, _ := testDispatcher()
	card := AgentCard{
		AgentID:     uuid.NewString(),
		Endpoints:   []Endpoint{{Protocol: "https", Host: "10.0.0.1", Port: 443}},
		Capabilities: []Capability{{ID: "serial.read"}},
		LastSeen:    time.Now(),
	}
	body, _ := json.Marshal(map[string]any{"agentCard": card})
	resp := d.Dispatch(context.Background(), Request{JSONRPC: "2.0", Method: "agent.register", Params: body}, "", AgentCard{})
	if resp.Error != nil {
		t.Fatalf("Dispatch() error = %v, want nil", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("Dispatch() result = %#v, want map[string]any", resp.Result)
	}
	token, _ := result["token"].(string)
	if token == "" {
		t.Fatalf("agent.register result.token = %q, want non-empty", token)
	}
	expiresAt, ok := result["expiresAt"].(time.Time)
	if !ok {
		t.Fatalf("agent.register result.expiresAt = %#v, want time.Time", result["expiresAt"])
	}
	if d := time.Until(expiresAt); d < 59*time.Minute || d > 61*time.Minute {
		t.Fatalf("agent.register result.expiresAt = %v from now, want ~60m", d)
	}
}
