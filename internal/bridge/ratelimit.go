// ratelimit.go — the two-tier rate limiter (global + per-agent), grounded
// on the teacher's internal/budget/token_bucket.go shape (mutex-guarded
// counter, atomic lifetime totals, Close()-stoppable refill goroutine) but
// built on golang.org/x/time/rate's token bucket for the per-second/burst
// math instead of a full-refill-on-tick bucket, since the wire contract
// states limits as "N/min, burst M" rather than octoreflex's
// full-refill-every-60s containment budget.
package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig carries the tunables the wire contract exposes as
// security.rate_limit.* (internal/config.RateLimitConfig) plus the
// quarantine escalation knobs from internal/config.SecurityConfig.
// NewRateLimiter falls back to the wire contract's documented defaults
// for any field left at its zero value, so a caller can pass a partially
// populated struct in tests.
type RateLimiterConfig struct {
	GlobalRequestsPerMinute int
	GlobalBurst             int
	AgentRequestsPerMinute  int
	AgentBurst              int
	AgentMaxConnections     int

	QuarantineThreshold int
	QuarantineWindow    time.Duration
	QuarantineDuration  time.Duration
}

const (
	defaultGlobalLimitPerMinute = 1000
	defaultGlobalBurst          = 100
	defaultAgentLimitPerMinute  = 100
	defaultAgentBurst           = 20
	defaultMaxConcurrentPerAgent = 5

	defaultQuarantineThreshold = 3
	defaultQuarantineWindow    = 10 * time.Minute
	defaultQuarantineDuration  = time.Hour
)

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.GlobalRequestsPerMinute <= 0 {
		c.GlobalRequestsPerMinute = defaultGlobalLimitPerMinute
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = defaultGlobalBurst
	}
	if c.AgentRequestsPerMinute <= 0 {
		c.AgentRequestsPerMinute = defaultAgentLimitPerMinute
	}
	if c.AgentBurst <= 0 {
		c.AgentBurst = defaultAgentBurst
	}
	if c.AgentMaxConnections <= 0 {
		c.AgentMaxConnections = defaultMaxConcurrentPerAgent
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = defaultQuarantineThreshold
	}
	if c.QuarantineWindow <= 0 {
		c.QuarantineWindow = defaultQuarantineWindow
	}
	if c.QuarantineDuration <= 0 {
		c.QuarantineDuration = defaultQuarantineDuration
	}
	return c
}

type agentLimiter struct {
	limiter          *rate.Limiter
	concurrent       int32
	exceedances      []time.Time
	quarantinedUntil time.Time
	mu               sync.Mutex
}

// RateLimiter enforces the global tier then the per-agent tier on every
// inbound call, and quarantines an agent that exceeds its tier
// cfg.QuarantineThreshold times within cfg.QuarantineWindow.
type RateLimiter struct {
	cfg    RateLimiterConfig
	global *rate.Limiter

	mu     sync.Mutex
	agents map[string]*agentLimiter

	rejectedTotal atomic.Uint64
}

// NewRateLimiter builds a limiter from cfg, a value derived from
// internal/config.SecurityConfig at startup (see cmd/cyreald/wiring.go).
// Fields left at zero fall back to the wire contract's documented
// defaults (1000/min global, 100/min burst 20 per agent).
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	cfg = cfg.withDefaults()
	return &RateLimiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRequestsPerMinute)/60, cfg.GlobalBurst),
		agents: make(map[string]*agentLimiter),
	}
}

func (r *RateLimiter) agentState(agentID string) *agentLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		a = &agentLimiter{limiter: rate.NewLimiter(rate.Limit(r.cfg.AgentRequestsPerMinute)/60, r.cfg.AgentBurst)}
		r.agents[agentID] = a
	}
	return a
}

// Quarantined reports whether agentID is currently serving a quarantine
// penalty at instant now.
func (r *RateLimiter) Quarantined(agentID string, now time.Time) bool {
	a := r.agentState(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Before(a.quarantinedUntil)
}

// Allow checks the global tier then the agent's tier, recording an
// exceedance (and possibly quarantining the agent) when the agent tier is
// exhausted. A global-tier rejection does not count toward an individual
// agent's quarantine strikes — it reflects aggregate load, not agent abuse.
func (r *RateLimiter) Allow(agentID string, now time.Time) bool {
	if !r.global.AllowN(now, 1) {
		r.rejectedTotal.Add(1)
		return false
	}
	a := r.agentState(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if now.Before(a.quarantinedUntil) {
		r.rejectedTotal.Add(1)
		return false
	}
	if a.limiter.AllowN(now, 1) {
		return true
	}

	r.rejectedTotal.Add(1)
	a.exceedances = append(a.exceedances, now)
	a.exceedances = pruneOlderThan(a.exceedances, now, r.cfg.QuarantineWindow)
	if len(a.exceedances) >= r.cfg.QuarantineThreshold {
		a.quarantinedUntil = now.Add(r.cfg.QuarantineDuration)
		a.exceedances = nil
	}
	return false
}

// AcquireConnection reserves one of the agent's concurrent connection
// slots, returning false if the agent is already at cfg.AgentMaxConnections.
func (r *RateLimiter) AcquireConnection(agentID string) bool {
	a := r.agentState(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.concurrent >= int32(r.cfg.AgentMaxConnections) {
		return false
	}
	a.concurrent++
	return true
}

// ReleaseConnection frees one concurrent connection slot for agentID.
func (r *RateLimiter) ReleaseConnection(agentID string) {
	a := r.agentState(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.concurrent > 0 {
		a.concurrent--
	}
}

// RejectedTotal returns the lifetime count of rejected calls across every
// tier, for metrics.
func (r *RateLimiter) RejectedTotal() uint64 {
	return r.rejectedTotal.Load()
}

func pruneOlderThan(times []time.Time, now time.Time, window time.Duration) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}
