// Package audit implements the append-only Security Event log: a
// JSON-lines file rotated on size and age. Grounded on the teacher's
// internal/storage/bolt.go ledger shape (structured record, one write
// transaction per append, time-ordered retention) but the wire contract
// calls for a plain append-only log rather than a BoltDB bucket, so
// rotation is delegated to gopkg.in/natefinch/lumberjack.v2 the way
// Hola-to-network_logistics_problem wires it for its service logs.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Category classifies a Security Event per the wire contract's taxonomy.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryNetwork        Category = "network"
	CategoryInputValidation Category = "input_validation"
	CategoryRateLimiting   Category = "rate_limiting"
	CategoryRecovery       Category = "recovery"
)

// SecurityEvent is one append-only audit record. Severity follows the
// Cisco syslog scale (0 = emergency, 7 = debug); RiskScore is a 0-100
// heuristic used by internal/meta's drift aggregator.
type SecurityEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Monotonic  int64          `json:"monotonicNs"`
	Severity   int            `json:"severity"`
	Category   Category       `json:"category"`
	AgentID    string         `json:"agentId,omitempty"`
	SourceAddr string         `json:"sourceAddr,omitempty"`
	Name       string         `json:"name"`
	Details    map[string]any `json:"details,omitempty"`
	RiskScore  int            `json:"riskScore"`
}

// Log is the append-only Security Event sink. Writes are serialized by a
// mutex since lumberjack.Logger's own Write is safe for concurrent use but
// the encoder buffer below it is not shared across goroutines without one.
type Log struct {
	mu      sync.Mutex
	writer  *lumberjack.Logger
	encoder *json.Encoder

	startMonotonic time.Time
}

// Config tunes log rotation. MaxSizeMB and MaxAgeDays follow
// lumberjack's own fields; zero values fall back to its defaults.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// Open creates (or appends to) the audit log at cfg.Path.
func Open(cfg Config) *Log {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	return &Log{writer: w, encoder: json.NewEncoder(w), startMonotonic: time.Now()}
}

// Close flushes and closes the underlying rotated file.
func (l *Log) Close() error {
	return l.writer.Close()
}

// Emit appends one Security Event. Never returns an error to the caller's
// hot path; a write failure is silently discarded so a full disk cannot
// take down the bridge or serial port controller that emitted the event.
func (l *Log) Emit(ev SecurityEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Monotonic = time.Since(l.startMonotonic).Nanoseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.encoder.Encode(ev)
}

// EmitSecurityEvent satisfies internal/serialport.SecurityEventSink,
// letting the serial port controller and RS-485 governor emit audit
// events without importing this package.
func (l *Log) EmitSecurityEvent(category string, severity int, agentID, sourceAddr, name string, details map[string]any, riskScore int) {
	l.Emit(SecurityEvent{
		Severity:   severity,
		Category:   Category(category),
		AgentID:    agentID,
		SourceAddr: sourceAddr,
		Name:       name,
		Details:    details,
		RiskScore:  riskScore,
	})
}

var _ fmt.Stringer = Category("")

func (c Category) String() string { return string(c) }
