// wiring.go — adapter types and construction helpers that bridge the
// internal packages' exact shapes into the narrow interfaces each
// subsystem expects of its neighbours, plus the VSM meta-governor chain
// assembly. Kept separate from main.go so the startup sequence itself
// reads as a flat numbered list.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cyreal-project/cyreal-core/internal/bridge"
	"github.com/cyreal-project/cyreal-core/internal/config"
	"github.com/cyreal-project/cyreal-core/internal/governor"
	"github.com/cyreal-project/cyreal-core/internal/meta"
	"github.com/cyreal-project/cyreal-core/internal/observability"
	"github.com/cyreal-project/cyreal-core/internal/portmgr"
	"github.com/cyreal-project/cyreal-core/internal/serialport"
	"github.com/cyreal-project/cyreal-core/internal/store"
	"sync/atomic"
)

// ── Conflict policy conversion ──────────────────────────────────────────
//
// config.ConflictPolicy spells its values with hyphens ("round-robin",
// "load-balance") to read naturally in YAML; portmgr.ConflictPolicy
// spells the same concepts with underscores to match its switch-style
// constant names. The two types are deliberately distinct — portmgr
// never imports config — so the daemon is the one place that translates
// between them.
func convertConflictPolicy(p config.ConflictPolicy) portmgr.ConflictPolicy {
	switch p {
	case config.ConflictRoundRobin:
		return portmgr.ConflictRoundRobin
	case config.ConflictLoadBalance:
		return portmgr.ConflictLoadBalance
	default:
		return portmgr.ConflictPriority
	}
}

// ── Token secret ─────────────────────────────────────────────────────────

// loadOrGenerateTokenSecret reads the HMAC signing key from path. An
// empty path means no operator-provisioned secret exists: the daemon
// generates one in memory for this process lifetime. Every bearer token
// issued before a restart is invalidated, which is an acceptable
// degradation — agents simply re-register — against refusing to start.
func loadOrGenerateTokenSecret(path string, log *zap.Logger) ([]byte, error) {
	if path == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ephemeral token secret: %w", err)
		}
		log.Warn("no token_secret_path configured — generated an ephemeral signing key; tokens will not survive a restart")
		return secret, nil
	}
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token secret %q: %w", path, err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret %q is %d bytes, want at least 16", path, len(secret))
	}
	return secret, nil
}

// ── Port service adapter ─────────────────────────────────────────────────

// portAdapter satisfies bridge.PortService over a *portmgr.Manager. Ports
// are provisioned from config.yaml at startup (internal/config's
// Ports.Specific); port.open/port.close over the wire therefore toggle an
// already-registered Controller's own open/close state rather than
// re-running Manager.Register/Unregister, which would need a physical
// path and line settings the wire call never carries. A port named in a
// wire call that was never registered at startup is unknown to the
// daemon and reported as such.
type portAdapter struct {
	mgr *portmgr.Manager
}

func (a *portAdapter) ListPorts() []bridge.PortSummary {
	summaries := a.mgr.List()
	out := make([]bridge.PortSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, bridge.PortSummary{
			ID:     s.ID,
			Path:   s.Path,
			Type:   string(s.Type),
			Status: string(s.Status),
			Owner:  s.Owner,
		})
	}
	return out
}

func (a *portAdapter) OpenPort(ctx context.Context, id string, settings json.RawMessage) error {
	ctrl, ok := a.mgr.Lookup(id)
	if !ok {
		return fmt.Errorf("port %q is not registered", id)
	}
	ls := ctrl.Settings()
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &ls); err != nil {
			return fmt.Errorf("port %q: malformed settings: %w", id, err)
		}
	}
	return ctrl.Open(ls)
}

func (a *portAdapter) ClosePort(id string) error {
	ctrl, ok := a.mgr.Lookup(id)
	if !ok {
		return fmt.Errorf("port %q is not registered", id)
	}
	return ctrl.Close()
}

func (a *portAdapter) WritePort(ctx context.Context, id, requester string, priority int, data []byte) (int, error) {
	return a.mgr.Route(ctx, id, requester, priority, data)
}

func (a *portAdapter) ConfigurePort(id string, settings json.RawMessage) error {
	ctrl, ok := a.mgr.Lookup(id)
	if !ok {
		return fmt.Errorf("port %q is not registered", id)
	}
	var partial serialport.LineSettings
	if err := json.Unmarshal(settings, &partial); err != nil {
		return fmt.Errorf("port %q: malformed settings: %w", id, err)
	}
	return ctrl.Configure(partial)
}

// ── Governor service adapter ─────────────────────────────────────────────

// governorHub satisfies bridge.GovernorService over the shared registry
// and the Systems-4/5 aggregator, giving the wire protocol a read-only
// window onto every governor's current lifecycle state and drift view.
type governorHub struct {
	registry   *governor.Registry
	aggregator *meta.Aggregator
}

func (h *governorHub) Status() []bridge.GovernorStatus {
	all := h.registry.All()
	out := make([]bridge.GovernorStatus, 0, len(all))
	for _, g := range all {
		m := g.SnapshotMetrics()
		out = append(out, bridge.GovernorStatus{
			ID:             g.ID(),
			Level:          int(g.Level()),
			Classification: m.LastClass.String(),
			CycleCount:     m.CycleCount,
		})
	}
	return out
}

func (h *governorHub) Analyze(id string) (bridge.GovernorStatus, error) {
	g, ok := h.registry.Lookup(id)
	if !ok {
		return bridge.GovernorStatus{}, fmt.Errorf("governor %q not found", id)
	}
	m := g.SnapshotMetrics()
	status := bridge.GovernorStatus{
		ID:             g.ID(),
		Level:          int(g.Level()),
		Classification: m.LastClass.String(),
		CycleCount:     m.CycleCount,
	}
	if view, ok := h.aggregator.View(id); ok {
		status.State = fmt.Sprintf("escalations=%d respond_failures=%d validate_failures=%d", view.Escalations, view.RespondFailures, view.ValidateFailures)
	}
	return status, nil
}

// ── Diagnostics adapters ──────────────────────────────────────────────────

// configValidatorAdapter satisfies meta.ConfigValidator by re-running the
// same Load+Validate path the daemon used at startup.
type configValidatorAdapter struct{}

func (configValidatorAdapter) Validate(path string) error {
	_, err := config.Load(path)
	return err
}

// serviceHealthAdapter satisfies meta.ServiceHealth. bridge.Server exposes
// no Healthy method of its own, so the daemon tracks bridge availability
// directly in an atomic flag, set true just before ListenAndServe is called
// and false if it returns an error.
type serviceHealthAdapter struct {
	healthy *atomic.Bool
}

func (s serviceHealthAdapter) Healthy() bool { return s.healthy.Load() }

// patternStoreOpenerAdapter satisfies meta.PatternStoreOpener. store.Open
// is a package-level constructor returning (*store.DB, error); the
// diagnostics contract wants an instance method that just reports
// openability, so this adapter opens and immediately closes a probe
// handle rather than holding one open for the process lifetime.
type patternStoreOpenerAdapter struct{}

func (patternStoreOpenerAdapter) Open(path string) error {
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	return db.Close()
}

func diagnosticPaths(cfg *config.Config, mgr *portmgr.Manager) meta.Paths {
	summaries := mgr.List()
	devices := make([]string, 0, len(summaries))
	for _, s := range summaries {
		devices = append(devices, s.Path)
	}
	return meta.Paths{
		ConfigDir:     cfg.Paths.ConfigDir,
		ConfigFile:    cfg.Paths.ConfigDir + "/config.yaml",
		DataDir:       cfg.Paths.DataDir,
		LogDir:        cfg.Paths.LogDir,
		PatternsDB:    cfg.Storage.DBPath,
		SerialDevices: devices,
		ListenAddr:    cfg.Observability.MetricsAddr,
	}
}

func runDiagnostics(diag *meta.Diagnostics, metrics *observability.Metrics, log *zap.Logger) {
	report := diag.Run()
	metrics.RepairIssuesOpenGauge.Set(float64(len(report.Issues)))
	metrics.RepairIssuesFixedTotal.Add(float64(len(report.Fixed)))
	if !report.Healthy {
		log.Warn("self-repair diagnostics found unresolved issues",
			zap.Int("issues", len(report.Issues)), zap.Int("fixed", len(report.Fixed)))
	} else {
		log.Info("self-repair diagnostics clean", zap.Int("fixed", len(report.Fixed)))
	}
}

func diagnosticsLoop(ctx context.Context, diag *meta.Diagnostics, metrics *observability.Metrics, log *zap.Logger, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runDiagnostics(diag, metrics, log)
		}
	}
}

// ── VSM meta-governor chain ───────────────────────────────────────────────

// runnerSet holds every governor.Runner the daemon starts. Port-level
// sub-governor runners are appended as ports are registered. Runners are
// started under context.Background and shutdown does not stop them; they
// end with the process.
type runnerSet struct {
	bus     *governor.Bus
	log     *zap.Logger
	audit   governor.SecuritySink
	runners []*governor.Runner
}

func newRunnerSet(bus *governor.Bus, log *zap.Logger, audit governor.SecuritySink) *runnerSet {
	return &runnerSet{bus: bus, log: log, audit: audit}
}

func (rs *runnerSet) start(ctx context.Context, g governor.Governor, cfg config.GovernorConfig) {
	runnerCfg := governor.RunnerConfig{
		ProbeInterval: time.Duration(cfg.ProbeIntervalMS) * time.Millisecond,
		ErrorThreshold: cfg.ErrorThreshold,
		RetryDelay:    time.Duration(cfg.RetryDelayMS) * time.Millisecond,
	}
	life := governor.NewLifecycle()
	runner := governor.NewRunner(g, life, rs.bus, runnerCfg, rs.log.With(zap.String("governor_id", g.ID())))
	runner.SetAuditSink(rs.audit)
	rs.runners = append(rs.runners, runner)
	go func() {
		if err := runner.Run(ctx); err != nil {
			rs.log.Error("governor runner exited", zap.String("governor_id", g.ID()), zap.Error(err))
		}
	}()
}

// metaGovernorSet names the System 2-5 meta-governors so per-port
// registration can parent itself under the System 2 arbiter.
type metaGovernorSet struct {
	arbiterID string
}

// buildMetaGovernors constructs the System 2 (coordination/arbitration),
// System 3 (control), System 4 (intelligence), and System 5 (policy)
// meta-governors as FuncGovernors, registers them in dependency order
// (parents before children, required by governor.Registry), and starts
// each with its own PSRLV runner. Each probe closure reads a counter fed
// from the shared bus: System 5 counts escalation events and System 4
// counts non-Nominal classifications. The System 3 (quarantine) and
// System 2 (conflicts) counters are not incremented anywhere, so those
// two governors always measure 0.
func buildMetaGovernors(registry *governor.Registry, bus *governor.Bus, runners *runnerSet) metaGovernorSet {
	sub := bus.Subscribe()

	var quarantineCount, escalationCount, driftCount, conflictCount atomic.Int64
	go func() {
		for ev := range sub.C {
			switch ev.Kind {
			case governor.EventEscalate:
				escalationCount.Add(1)
			case governor.EventClassified:
				if ev.Class != governor.Nominal {
					driftCount.Add(1)
				}
			}
		}
	}()

	sys5 := governor.NewFuncGovernor("sys5.policy", governor.LevelPolicy, "escalations", 2, 5, 0.2,
		func(ctx context.Context) (governor.Measurement, error) {
			return governor.Measurement{"escalations": float64(escalationCount.Load())}, nil
		}, nil)

	sys4 := governor.NewFuncGovernor("sys4.intelligence", governor.LevelIntelligence, "drift", 3, 8, 0.2,
		func(ctx context.Context) (governor.Measurement, error) {
			return governor.Measurement{"drift": float64(driftCount.Load())}, nil
		}, nil)

	sys3 := governor.NewFuncGovernor("sys3.control", governor.LevelControl, "quarantine", 1, 3, 0.3,
		func(ctx context.Context) (governor.Measurement, error) {
			return governor.Measurement{"quarantine": float64(quarantineCount.Load())}, nil
		}, nil)

	sys2 := governor.NewFuncGovernor("sys2.arbiter", governor.LevelCoordination, "conflicts", 1, 4, 0.3,
		func(ctx context.Context) (governor.Measurement, error) {
			return governor.Measurement{"conflicts": float64(conflictCount.Load())}, nil
		}, nil)

	_ = registry.Register(sys5, "")
	_ = registry.Register(sys4, sys5.ID())
	_ = registry.Register(sys3, sys4.ID())
	_ = registry.Register(sys2, sys3.ID())

	metaCfg := config.GovernorConfig{ProbeIntervalMS: 80000, ErrorThreshold: 3, RetryDelayMS: 40000}
	runners.start(context.Background(), sys5, metaCfg)
	metaCfg.ProbeIntervalMS = 40000
	runners.start(context.Background(), sys4, metaCfg)
	metaCfg.ProbeIntervalMS = 20000
	runners.start(context.Background(), sys3, metaCfg)
	metaCfg.ProbeIntervalMS = 10000
	runners.start(context.Background(), sys2, metaCfg)

	return metaGovernorSet{arbiterID: sys2.ID()}
}

// registerPortGovernors enrolls a freshly opened Controller's three
// sub-governors (buffer-mode, RS-485, recovery) under the System 2
// arbiter in the shared registry and starts each with its own PSRLV
// runner using the System 1 probe interval from config.
func registerPortGovernors(registry *governor.Registry, runners *runnerSet, bus *governor.Bus, parentID string, ctrl *serialport.Controller, govCfgs map[string]config.GovernorConfig, log *zap.Logger) {
	sys1Cfg, ok := govCfgs["system1"]
	if !ok {
		sys1Cfg = config.GovernorConfig{ProbeIntervalMS: 5000, ErrorThreshold: 3, RetryDelayMS: 5000}
	}

	for _, g := range []governor.Governor{ctrl.BufferGovernor(), ctrl.RS485Governor(), ctrl.RecoveryGovernor()} {
		if g == nil {
			continue
		}
		if err := registry.Register(g, parentID); err != nil {
			log.Error("governor registration failed", zap.String("governor_id", g.ID()), zap.Error(err))
			continue
		}
		runners.start(context.Background(), g, sys1Cfg)
	}
}
