// Package observability — metrics.go
//
// Prometheus metrics for cyreald.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 by default (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: ServeMetrics listens on whatever address it is given and does not
// check that it is loopback; the bridge's own RFC-1918 enforcement covers
// the JSON-RPC surface, not this diagnostics port.
//
// Metric naming convention: cyreal_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - port_id is used as a label; the number of configured serial ports
//     is bounded by hardware, not by attacker-controlled input.
//   - agent_id is NEVER used as a label (unbounded, attacker-influenced
//     cardinality) — per-agent counts are aggregated before recording.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor cyreald exposes,
// grouped by the C1-C7 subsystem that records it.
type Metrics struct {
	registry *prometheus.Registry

	// ─── C3 Serial Port Controller ───────────────────────────────────────────

	// BytesTransferredTotal counts bytes moved across a port.
	// Labels: port_id, direction (read, write)
	BytesTransferredTotal *prometheus.CounterVec

	// PortStateTransitionsTotal counts serial port state machine
	// transitions. Labels: port_id, from_state, to_state
	PortStateTransitionsTotal *prometheus.CounterVec

	// PortOpenFailuresTotal counts failed open attempts. Labels: port_id
	PortOpenFailuresTotal *prometheus.CounterVec

	// ─── C3 Buffer-Mode sub-governor ─────────────────────────────────────────

	// BufferModeGauge is 1 for the currently selected mode, 0 otherwise.
	// Labels: port_id, mode (line, stream, raw)
	BufferModeGauge *prometheus.GaugeVec

	// BufferDepthBytes is the current buffered-but-unconsumed byte count.
	// Labels: port_id
	BufferDepthBytes *prometheus.GaugeVec

	// ─── C4 Port Arbiter ─────────────────────────────────────────────────────

	// ArbitrationWaitSeconds records how long a write waited for the port
	// lock. Labels: port_id
	ArbitrationWaitSeconds *prometheus.HistogramVec

	// PreemptionsTotal counts priority preemptions. Labels: port_id
	PreemptionsTotal *prometheus.CounterVec

	// ─── C3 RS-485 Direction Control ─────────────────────────────────────────

	// TurnaroundLatencySeconds records RTS-to-transmit turnaround latency.
	// Labels: port_id
	TurnaroundLatencySeconds *prometheus.HistogramVec

	// RS485CollisionsTotal counts detected line collisions. Labels: port_id
	RS485CollisionsTotal *prometheus.CounterVec

	// ─── C2 Governor Framework / C3 Recovery ─────────────────────────────────

	// GovernorLevelGauge is the current escalation level. Labels: port_id
	GovernorLevelGauge *prometheus.GaugeVec

	// GovernorEscalationsTotal counts escalations. Labels: port_id
	GovernorEscalationsTotal *prometheus.CounterVec

	// RecoveryAttemptsTotal counts recovery-ladder attempts.
	// Labels: port_id, strategy
	RecoveryAttemptsTotal *prometheus.CounterVec

	// ─── C6 Self-Repair ──────────────────────────────────────────────────────

	// RepairIssuesOpenGauge is the number of unresolved issues in the
	// most recent Repair Report.
	RepairIssuesOpenGauge prometheus.Gauge

	// RepairIssuesFixedTotal counts auto-fixed issues across all runs.
	RepairIssuesFixedTotal prometheus.Counter

	// ─── C5 Network Bridge ───────────────────────────────────────────────────

	// RPCRequestsTotal counts dispatched JSON-RPC calls.
	// Labels: method, outcome (ok, error)
	RPCRequestsTotal *prometheus.CounterVec

	// RPCLatencySeconds records dispatch latency. Labels: method
	RPCLatencySeconds *prometheus.HistogramVec

	// AgentsRegisteredGauge is the current number of active agents.
	AgentsRegisteredGauge prometheus.Gauge

	// RateLimitRejectionsTotal counts rejected requests. Labels: tier
	// (global, per_agent)
	RateLimitRejectionsTotal *prometheus.CounterVec

	// QuarantinedAgentsGauge is the current number of quarantined agents.
	QuarantinedAgentsGauge prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StoreWriteLatencySeconds records patterns.db write transaction
	// latency.
	StoreWriteLatencySeconds prometheus.Histogram

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since cyreald started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers every cyreald Prometheus metric.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BytesTransferredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "port",
			Name:      "bytes_transferred_total",
			Help:      "Total bytes transferred across a serial port, by direction.",
		}, []string{"port_id", "direction"}),

		PortStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "port",
			Name:      "state_transitions_total",
			Help:      "Total serial port state machine transitions.",
		}, []string{"port_id", "from_state", "to_state"}),

		PortOpenFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "port",
			Name:      "open_failures_total",
			Help:      "Total failed attempts to open a serial port.",
		}, []string{"port_id"}),

		BufferModeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cyreal",
			Subsystem: "buffer",
			Name:      "mode",
			Help:      "1 for the currently selected buffer mode, 0 otherwise.",
		}, []string{"port_id", "mode"}),

		BufferDepthBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cyreal",
			Subsystem: "buffer",
			Name:      "depth_bytes",
			Help:      "Current buffered-but-unconsumed byte count.",
		}, []string{"port_id"}),

		ArbitrationWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cyreal",
			Subsystem: "arbiter",
			Name:      "wait_seconds",
			Help:      "Time a write request waited for the port lock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"port_id"}),

		PreemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "arbiter",
			Name:      "preemptions_total",
			Help:      "Total priority preemptions of a lower-priority writer.",
		}, []string{"port_id"}),

		TurnaroundLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cyreal",
			Subsystem: "rs485",
			Name:      "turnaround_latency_seconds",
			Help:      "RTS-assert-to-transmit turnaround latency.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05},
		}, []string{"port_id"}),

		RS485CollisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "rs485",
			Name:      "collisions_total",
			Help:      "Total detected RS-485 line collisions.",
		}, []string{"port_id"}),

		GovernorLevelGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cyreal",
			Subsystem: "governor",
			Name:      "level",
			Help:      "Current governor escalation level for a port.",
		}, []string{"port_id"}),

		GovernorEscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "governor",
			Name:      "escalations_total",
			Help:      "Total governor escalations for a port.",
		}, []string{"port_id"}),

		RecoveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Total recovery-ladder attempts, by strategy.",
		}, []string{"port_id", "strategy"}),

		RepairIssuesOpenGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyreal",
			Subsystem: "repair",
			Name:      "issues_open",
			Help:      "Number of unresolved issues in the most recent Repair Report.",
		}),

		RepairIssuesFixedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "repair",
			Name:      "issues_fixed_total",
			Help:      "Total issues auto-fixed across all diagnostic runs.",
		}),

		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "bridge",
			Name:      "rpc_requests_total",
			Help:      "Total JSON-RPC requests dispatched, by method and outcome.",
		}, []string{"method", "outcome"}),

		RPCLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cyreal",
			Subsystem: "bridge",
			Name:      "rpc_latency_seconds",
			Help:      "JSON-RPC dispatch latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		AgentsRegisteredGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyreal",
			Subsystem: "bridge",
			Name:      "agents_registered",
			Help:      "Current number of active registered agents.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cyreal",
			Subsystem: "bridge",
			Name:      "rate_limit_rejections_total",
			Help:      "Total requests rejected by the rate limiter, by tier.",
		}, []string{"tier"}),

		QuarantinedAgentsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyreal",
			Subsystem: "bridge",
			Name:      "quarantined_agents",
			Help:      "Current number of quarantined agents.",
		}),

		StoreWriteLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cyreal",
			Subsystem: "store",
			Name:      "write_latency_seconds",
			Help:      "patterns.db write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cyreal",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since cyreald started.",
		}),
	}

	reg.MustRegister(
		m.BytesTransferredTotal,
		m.PortStateTransitionsTotal,
		m.PortOpenFailuresTotal,
		m.BufferModeGauge,
		m.BufferDepthBytes,
		m.ArbitrationWaitSeconds,
		m.PreemptionsTotal,
		m.TurnaroundLatencySeconds,
		m.RS485CollisionsTotal,
		m.GovernorLevelGauge,
		m.GovernorEscalationsTotal,
		m.RecoveryAttemptsTotal,
		m.RepairIssuesOpenGauge,
		m.RepairIssuesFixedTotal,
		m.RPCRequestsTotal,
		m.RPCLatencySeconds,
		m.AgentsRegisteredGauge,
		m.RateLimitRejectionsTotal,
		m.QuarantinedAgentsGauge,
		m.StoreWriteLatencySeconds,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
