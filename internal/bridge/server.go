// server.go — the HTTPS JSON-RPC 2.0 listener. TLS config construction
// follows the teacher's internal/gossip/server.go buildServerTLS shape
// (explicit tls.Config, MinVersion pinned, loaded once at startup) and the
// context-cancellation-closes-listener shutdown idiom from the same file's
// ListenAndServe, adapted from grpc.Server.GracefulStop to
// http.Server.Shutdown.
package bridge

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cyreal-project/cyreal-core/internal/netguard"
)

const (
	heartbeatTimeout = 120 * time.Second
	maxRequestBody   = maxMessageBytes
	shutdownGrace    = 5 * time.Second
)

// Config carries everything the server needs to bind and authenticate
// connections.
type Config struct {
	ListenAddr string
	CertFile   string
	KeyFile    string
	TokenTTL   time.Duration
	SweepEvery time.Duration
}

// SecuritySink receives Security Events for RFC-1918 violations,
// authentication failures, and rate-limit exceedances. The same narrow
// contract as internal/serialport.SecurityEventSink, repeated here rather
// than imported, so bridge never depends on serialport: internal/audit.Log
// satisfies both without either package knowing about the other.
type SecuritySink interface {
	EmitSecurityEvent(category string, severity int, agentID, sourceAddr, name string, details map[string]any, riskScore int)
}

// Server is the HTTPS JSON-RPC 2.0 front door: RFC-1918 enforcement at
// both bind time and connection time, CORS, rate limiting, token
// authentication, and the method dispatcher.
type Server struct {
	cfg        Config
	httpServer *http.Server
	agents     *AgentRegistry
	tokens     *TokenManager
	limiter    *RateLimiter
	dispatcher *Dispatcher
	log        *zap.Logger
	audit      SecuritySink

	stopSweep chan struct{}
}

// SetAuditSink wires the Security Event sink. Optional: a nil sink means
// violations are logged only, never persisted to the audit trail.
func (s *Server) SetAuditSink(sink SecuritySink) { s.audit = sink }

func (s *Server) emitSecurityEvent(category string, severity int, agentID, sourceAddr, name string, details map[string]any, riskScore int) {
	if s.audit == nil {
		return
	}
	s.audit.EmitSecurityEvent(category, severity, agentID, sourceAddr, name, details, riskScore)
}

// NewServer wires the registries, limiter, and dispatcher into an HTTPS
// listener. Returns an error immediately (never starts listening) if
// cfg.ListenAddr is not an RFC-1918 or loopback address — the bind-time
// half of the RFC-1918 invariant.
func NewServer(cfg Config, agents *AgentRegistry, tokens *TokenManager, limiter *RateLimiter, dispatcher *Dispatcher, log *zap.Logger) (*Server, error) {
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid listen address %q: %w", cfg.ListenAddr, err)
	}
	if !netguard.IsAllowedHost(host) {
		return nil, fmt.Errorf("bridge: refusing to bind non-RFC-1918 address %q", host)
	}

	s := &Server{
		cfg:        cfg,
		agents:     agents,
		tokens:     tokens,
		limiter:    limiter,
		dispatcher: dispatcher,
		log:        log,
		stopSweep:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.withConnectionGuard(s.withCORS(mux)),
	}
	return s, nil
}

// ListenAndServe starts the TLS listener and blocks until ctx is
// cancelled, at which point it stops the sweep loop and calls
// http.Server.Shutdown: stop accepting and wait up to shutdownGrace for
// in-flight requests. Connected agents are not notified, and connections
// still open when the grace period ends are not force-closed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := s.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("bridge: TLS config: %w", err)
	}
	s.httpServer.TLSConfig = tlsCfg

	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", s.cfg.ListenAddr, err)
	}
	tlsLis := tls.NewListener(lis, tlsCfg)

	go s.sweepLoop(s.cfg.SweepEvery)

	s.log.Info("bridge server listening", zap.String("addr", s.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		close(s.stopSweep)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("bridge: graceful shutdown did not complete in time", zap.Error(err))
		}
	}()

	if err := s.httpServer.Serve(tlsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge: serve: %w", err)
	}
	return nil
}

func (s *Server) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// withConnectionGuard closes any connection whose remote address fails
// RFC-1918 validation, before the request is even routed — the
// connection-time half of the invariant.
func (s *Server) withConnectionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !netguard.IsAllowedHost(host) {
			s.log.Warn("bridge: rejecting connection from non-RFC-1918 peer",
				zap.String("remote_addr", r.RemoteAddr))
			s.emitSecurityEvent("network", 4, "", r.RemoteAddr, "network.rfc1918_violation",
				map[string]any{"remote_addr": r.RemoteAddr}, 75)
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS echoes Origin back only when it is itself an RFC-1918 address;
// no wildcard is ever emitted. Only POST and OPTIONS are permitted.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originIsAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originIsAllowed(origin string) bool {
	u, err := parseOriginHost(origin)
	if err != nil {
		return false
	}
	return netguard.IsAllowedHost(u)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		s.writeRPCError(w, nil, newRPCError(CodeParseError, "failed to read request body"))
		return
	}
	if issue := ValidateMessageSize(body); issue != nil {
		s.writeRPCError(w, nil, newRPCError(issue.Code, issue.Message))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPCError(w, nil, newRPCError(CodeParseError, "malformed JSON-RPC request"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeRPCError(w, req.ID, newRPCError(CodeInvalidRequest, "jsonrpc must be \"2.0\" and method must be set"))
		return
	}
	if len(req.ID) == 0 {
		s.writeRPCError(w, nil, newRPCError(CodeInvalidRequest, "notifications are not accepted; id must be set"))
		return
	}

	callerID, callerCard, authErr := s.authenticate(r, req.Method)
	if authErr != nil {
		s.writeRPCError(w, req.ID, authErr)
		return
	}

	if callerID != "" {
		if s.limiter.Quarantined(callerID, time.Now()) {
			s.writeRPCError(w, req.ID, newRPCError(CodeRateLimit, "agent is quarantined"))
			return
		}
		if !s.limiter.Allow(callerID, time.Now()) {
			if s.limiter.RejectedTotal()%100 == 1 {
				s.emitSecurityEvent("rate_limiting", 5, callerID, r.RemoteAddr, "rate_limit.exceeded",
					map[string]any{"method": req.Method}, 40)
			}
			s.writeRPCError(w, req.ID, newRPCErrorWithData(CodeRateLimit, "rate limit exceeded", map[string]any{"retryAfter": "60s"}))
			return
		}
	}

	resp := s.dispatcher.Dispatch(r.Context(), req, callerID, callerCard)
	s.writeJSON(w, resp)
}

// authenticate extracts and validates the bearer token and the X-Agent-ID
// header, except for agent.register which runs pre-authentication by
// contract. Both credentials must agree: the bearer token's bound agent id
// is compared against X-Agent-ID in constant time, so a caller cannot use
// a token issued to one agent while claiming another agent's identity.
func (s *Server) authenticate(r *http.Request, method string) (callerID string, card AgentCard, rpcErr *RPCError) {
	if method == "agent.register" {
		return "", AgentCard{}, nil
	}
	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		s.emitSecurityEvent("authentication", 5, "", r.RemoteAddr, "authentication.missing_token",
			map[string]any{"method": method}, 30)
		return "", AgentCard{}, newRPCError(CodeAuthentication, "missing or malformed Authorization header")
	}
	agentIDHeader := r.Header.Get("X-Agent-ID")
	if agentIDHeader == "" {
		s.emitSecurityEvent("authentication", 5, "", r.RemoteAddr, "authentication.missing_agent_id",
			map[string]any{"method": method}, 30)
		return "", AgentCard{}, newRPCError(CodeAuthentication, "missing X-Agent-ID header")
	}
	bearer := authHeader[len(prefix):]
	pair, err := s.tokens.Validate(bearer, time.Now())
	if err != nil {
		s.emitSecurityEvent("authentication", 5, "", r.RemoteAddr, "authentication.token_rejected",
			map[string]any{"method": method, "reason": err.Error()}, 50)
		return "", AgentCard{}, newRPCError(CodeAuthentication, "token rejected: "+err.Error())
	}
	if subtle.ConstantTimeCompare([]byte(agentIDHeader), []byte(pair.AgentID)) != 1 {
		s.emitSecurityEvent("authentication", 5, pair.AgentID, r.RemoteAddr, "authentication.agent_id_mismatch",
			map[string]any{"method": method}, 70)
		return "", AgentCard{}, newRPCError(CodeAuthentication, "X-Agent-ID does not match bearer token")
	}
	cardVal, ok := s.agents.Lookup(pair.AgentID)
	if !ok {
		s.emitSecurityEvent("authentication", 5, pair.AgentID, r.RemoteAddr, "authentication.unknown_agent",
			map[string]any{"method": method}, 50)
		return "", AgentCard{}, newRPCError(CodeAgentNotFound, "agent is not registered")
	}
	return pair.AgentID, cardVal, nil
}

func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, err *RPCError) {
	s.writeJSON(w, newError(id, err))
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// sweepLoop periodically evicts agents that have missed two consecutive
// heartbeats and revokes their tokens, and removes expired token pairs.
func (s *Server) sweepLoop(every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, id := range s.agents.SweepExpired(now, heartbeatTimeout) {
				s.tokens.RevokeAgent(id)
				s.log.Info("bridge: evicted agent after missed heartbeats", zap.String("agent_id", id))
			}
			s.tokens.Sweep(now, time.Hour)
		case <-s.stopSweep:
			return
		}
	}
}

func parseOriginHost(origin string) (string, error) {
	// Origin headers are "scheme://host[:port]"; strip the scheme and any
	// trailing path (browsers never send one, but be defensive).
	const httpsPrefix = "https://"
	const wssPrefix = "wss://"
	rest := origin
	switch {
	case len(origin) >= len(httpsPrefix) && origin[:len(httpsPrefix)] == httpsPrefix:
		rest = origin[len(httpsPrefix):]
	case len(origin) >= len(wssPrefix) && origin[:len(wssPrefix)] == wssPrefix:
		rest = origin[len(wssPrefix):]
	default:
		return "", fmt.Errorf("bridge: origin %q has no recognized scheme", origin)
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			rest = rest[:i]
			break
		}
	}
	if host, _, err := net.SplitHostPort(rest); err == nil {
		return host, nil
	}
	return rest, nil
}
