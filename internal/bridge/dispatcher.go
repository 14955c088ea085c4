// dispatcher.go — method dispatch by name, adapted from the teacher's
// internal/operator/server.go dispatch-by-cmd-string switch, generalized
// to the JSON-RPC 2.0 method namespace and to a per-method authorization
// check against the caller's Agent Card capabilities before the handler runs.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyreal-project/cyreal-core/internal/netguard"
)

// PortService is the narrow slice of internal/portmgr.Manager the
// dispatcher needs, kept local so bridge never imports portmgr's arbiter
// or health-supervision internals.
type PortService interface {
	ListPorts() []PortSummary
	OpenPort(ctx context.Context, id string, settings json.RawMessage) error
	ClosePort(id string) error
	WritePort(ctx context.Context, id, requester string, priority int, data []byte) (int, error)
	ConfigurePort(id string, settings json.RawMessage) error
}

// PortSummary mirrors the fields of portmgr.PortSummary the wire protocol
// exposes, decoupling the JSON shape from that package's internal type.
type PortSummary struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Owner  string `json:"owner,omitempty"`
}

// GovernorService is the narrow slice of the governor subsystem the
// dispatcher exposes over the wire (status snapshots and on-demand
// analysis), kept local for the same reason as PortService.
type GovernorService interface {
	Status() []GovernorStatus
	Analyze(id string) (GovernorStatus, error)
}

// GovernorStatus is one governor's externally visible state.
type GovernorStatus struct {
	ID           string  `json:"id"`
	Level        int     `json:"level"`
	State        string  `json:"state"`
	Classification string `json:"classification"`
	CycleCount   uint64  `json:"cycleCount"`
}

// methodSpec binds a method name to its required capability (empty means
// no capability check beyond authentication) and its handler.
type methodSpec struct {
	requiredCapability string
	handle             func(ctx context.Context, d *Dispatcher, callerID string, params json.RawMessage) (any, *RPCError)
}

// Dispatcher routes authenticated JSON-RPC calls to their handlers,
// enforcing the capability named by each method before it runs.
type Dispatcher struct {
	agents    *AgentRegistry
	tokens    *TokenManager
	ports     PortService
	governors GovernorService
	log       *zap.Logger
	methods   map[string]methodSpec
}

// NewDispatcher wires the registries and services the method namespace
// operates on. tokens may be nil only in tests that never exercise
// agent.register.
func NewDispatcher(agents *AgentRegistry, tokens *TokenManager, ports PortService, governors GovernorService, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{agents: agents, tokens: tokens, ports: ports, governors: governors, log: log}
	d.methods = map[string]methodSpec{
		"agent.register":   {handle: handleAgentRegister},
		"agent.unregister": {requiredCapability: "agent.manage", handle: handleAgentUnregister},
		"agent.heartbeat":  {handle: handleAgentHeartbeat},
		"agent.list":       {requiredCapability: "agent.discover", handle: handleAgentList},
		"agent.discover":   {requiredCapability: "agent.discover", handle: handleAgentDiscover},

		"port.list":      {requiredCapability: "serial.read", handle: handlePortList},
		"port.open":      {requiredCapability: "serial.write", handle: handlePortOpen},
		"port.close":     {requiredCapability: "serial.write", handle: handlePortClose},
		"port.write":     {requiredCapability: "serial.write", handle: handlePortWrite},
		"port.read":      {requiredCapability: "serial.read", handle: handlePortRead},
		"port.configure": {requiredCapability: "serial.write", handle: handlePortConfigure},

		"governor.status":  {requiredCapability: "governance.read", handle: handleGovernorStatus},
		"governor.analyze": {requiredCapability: "governance.read", handle: handleGovernorAnalyze},

		"security.validateAddress": {requiredCapability: "security.validate", handle: handleValidateAddress},
		"security.validateCard":    {requiredCapability: "security.validate", handle: handleValidateCard},
	}
	return d
}

// Dispatch routes req to its handler after checking the method exists and
// the caller (identified by callerID, already authenticated by the
// server's token middleware) holds the required capability. callerID is
// empty for agent.register, the one method that runs pre-authentication.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, callerID string, callerCard AgentCard) *Response {
	spec, ok := d.methods[req.Method]
	if !ok {
		return newError(req.ID, newRPCError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method)))
	}
	if spec.requiredCapability != "" && !callerCard.HasCapability(spec.requiredCapability) {
		return newError(req.ID, newRPCError(CodeAuthorization, fmt.Sprintf("method %q requires capability %q", req.Method, spec.requiredCapability)))
	}
	result, rpcErr := spec.handle(ctx, d, callerID, req.Params)
	if rpcErr != nil {
		return newError(req.ID, rpcErr)
	}
	return newResult(req.ID, result)
}

func handleAgentRegister(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		AgentCard AgentCard `json:"agentCard"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, newRPCError(CodeInvalidParams, "agent.register: malformed agent card: "+err.Error())
	}
	card := req.AgentCard
	now := time.Now()
	if err := card.Validate(now); err != nil {
		return nil, newRPCError(CodeInvalidParams, "agent.register: "+err.Error())
	}

	permissions := make(map[string]bool, len(card.Capabilities))
	for _, c := range card.Capabilities {
		permissions[c.ID] = true
	}

	card.LastSeen = now
	d.agents.Register(card, now)

	if d.tokens == nil {
		return nil, newRPCError(CodeServiceUnavailable, "agent.register: token issuance unavailable")
	}
	bearer, pair, err := d.tokens.Issue(card.AgentID, permissions, now)
	if err != nil {
		return nil, newRPCError(CodeInternalError, "agent.register: "+err.Error())
	}
	return map[string]any{
		"agentId":   card.AgentID,
		"token":     bearer,
		"expiresAt": pair.ExpiresAt,
	}, nil
}

func handleAgentUnregister(ctx context.Context, d *Dispatcher, callerID string, params json.RawMessage) (any, *RPCError) {
	d.agents.Unregister(callerID)
	return map[string]any{"unregistered": true}, nil
}

func handleAgentHeartbeat(ctx context.Context, d *Dispatcher, callerID string, _ json.RawMessage) (any, *RPCError) {
	d.agents.Heartbeat(callerID, time.Now())
	return map[string]any{"acknowledged": true}, nil
}

func handleAgentList(ctx context.Context, d *Dispatcher, _ string, _ json.RawMessage) (any, *RPCError) {
	return d.agents.List(""), nil
}

func handleAgentDiscover(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		Capability string `json:"capability"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, newRPCError(CodeInvalidParams, "agent.discover: malformed params")
	}
	return d.agents.List(req.Capability), nil
}

func handlePortList(ctx context.Context, d *Dispatcher, _ string, _ json.RawMessage) (any, *RPCError) {
	if d.ports == nil {
		return nil, newRPCError(CodeServiceUnavailable, "port service unavailable")
	}
	return d.ports.ListPorts(), nil
}

func handlePortOpen(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		ID       string          `json:"id"`
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, newRPCError(CodeInvalidParams, "port.open: id and settings required")
	}
	if err := d.ports.OpenPort(ctx, req.ID, req.Settings); err != nil {
		return nil, newRPCError(CodeInternalError, "port.open: "+err.Error())
	}
	return map[string]any{"opened": true}, nil
}

func handlePortClose(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, newRPCError(CodeInvalidParams, "port.close: id required")
	}
	if err := d.ports.ClosePort(req.ID); err != nil {
		return nil, newRPCError(CodeInternalError, "port.close: "+err.Error())
	}
	return map[string]any{"closed": true}, nil
}

func handlePortWrite(ctx context.Context, d *Dispatcher, callerID string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		ID       string `json:"id"`
		Priority int    `json:"priority"`
		Data     []byte `json:"data"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, newRPCError(CodeInvalidParams, "port.write: id and data required")
	}
	if issue := ValidateArrayLength("data", len(req.Data)); issue != nil {
		return nil, newRPCError(issue.Code, issue.Message)
	}
	n, err := d.ports.WritePort(ctx, req.ID, callerID, req.Priority, req.Data)
	if err != nil {
		return nil, newRPCError(CodeInternalError, "port.write: "+err.Error())
	}
	return map[string]any{"bytesWritten": n}, nil
}

func handlePortRead(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	// Returns a fixed {"streaming": true} acknowledgement. It does not
	// check or create a subscription and returns no port data; the bridge
	// has no notification channel that delivers received bytes.
	return map[string]any{"streaming": true}, nil
}

func handlePortConfigure(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		ID       string          `json:"id"`
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, newRPCError(CodeInvalidParams, "port.configure: id and settings required")
	}
	if err := d.ports.ConfigurePort(req.ID, req.Settings); err != nil {
		return nil, newRPCError(CodeInternalError, "port.configure: "+err.Error())
	}
	return map[string]any{"configured": true}, nil
}

func handleGovernorStatus(ctx context.Context, d *Dispatcher, _ string, _ json.RawMessage) (any, *RPCError) {
	if d.governors == nil {
		return nil, newRPCError(CodeServiceUnavailable, "governor service unavailable")
	}
	return d.governors.Status(), nil
}

func handleGovernorAnalyze(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, newRPCError(CodeInvalidParams, "governor.analyze: id required")
	}
	status, err := d.governors.Analyze(req.ID)
	if err != nil {
		return nil, newRPCError(CodeAgentNotFound, "governor.analyze: "+err.Error())
	}
	return status, nil
}

func handleValidateAddress(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var req struct {
		Host string `json:"host"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, newRPCError(CodeInvalidParams, "security.validateAddress: host required")
	}
	return map[string]any{"allowed": netguard.IsAllowedHost(req.Host)}, nil
}

func handleValidateCard(ctx context.Context, d *Dispatcher, _ string, params json.RawMessage) (any, *RPCError) {
	var card AgentCard
	if err := json.Unmarshal(params, &card); err != nil {
		return nil, newRPCError(CodeInvalidParams, "security.validateCard: malformed card")
	}
	if err := card.Validate(time.Now()); err != nil {
		return map[string]any{"valid": false, "reason": err.Error()}, nil
	}
	return map[string]any{"valid": true}, nil
}
