// Package main — cmd/cyreald/main.go
//
// Cyreal core daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/cyreal/config.yaml.
//  2. Initialise structured logger (zap; JSON unless log_format is console).
//  3. Detect platform capability (GPIO, max baud).
//  4. Open the audit log and the learned-pattern store.
//  5. Build the governor bus, registry, and the System 2-5 meta-governors.
//  6. Construct the Port Manager and register every configured port, each
//     enrolling its buffer-mode/RS-485/recovery sub-governors into the
//     shared registry and starting its own PSRLV runner.
//  7. Start port health supervision.
//  8. Start the Systems-4/5 drift aggregator.
//  9. Wire and start the Prometheus metrics server.
// 10. Run self-repair diagnostics once, then on a timer.
// 11. Wire and start the A2A bridge (HTTPS JSON-RPC 2.0 listener).
// 12. Register SIGHUP handler for config hot-reload.
// 13. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the bridge and metrics servers,
//     health supervision, and the diagnostics loop; governor runners run
//     under context.Background and are not stopped).
//  2. Close every registered port.
//  3. Wait a fixed 5s.
//  4. Stop the drift aggregator.
//  5. Stop port health supervision.
//  6. Close the event bus, the learned-pattern store, then the audit log.
//  7. Flush logger, exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cyreal-project/cyreal-core/internal/audit"
	"github.com/cyreal-project/cyreal-core/internal/bridge"
	"github.com/cyreal-project/cyreal-core/internal/config"
	"github.com/cyreal-project/cyreal-core/internal/governor"
	"github.com/cyreal-project/cyreal-core/internal/meta"
	"github.com/cyreal-project/cyreal-core/internal/observability"
	"github.com/cyreal-project/cyreal-core/internal/platform"
	"github.com/cyreal-project/cyreal-core/internal/portmgr"
	"github.com/cyreal-project/cyreal-core/internal/store"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/cyreal/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("cyreald %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("cyreald starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Platform capability ──────────────────────────────────────
	cap := platform.Detect()
	log.Info("platform capability detected",
		zap.String("name", cap.Name), zap.Int("max_baud", cap.MaxBaud),
		zap.Bool("half_duplex_pin_control", cap.HalfDuplexPinControl))

	// ── Step 4: Audit log and pattern store ──────────────────────────────
	auditLog := audit.Open(audit.Config{
		Path:       filepath.Join(cfg.Paths.LogDir, "audit.log"),
		MaxSizeMB:  100,
		MaxAgeDays: cfg.Storage.RetentionDays,
		MaxBackups: 10,
	})
	defer auditLog.Close() //nolint:errcheck

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("pattern store open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("pattern store opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 5: Governor bus, registry, meta-governors ───────────────────
	bus := governor.NewBus()
	defer bus.Close()
	registry := governor.NewRegistry()

	runners := newRunnerSet(bus, log, auditLog)
	metaGovs := buildMetaGovernors(registry, bus, runners)

	// ── Step 6: Port Manager and registered ports ────────────────────────
	mgr := portmgr.New(portmgr.Config{
		ConflictPolicy:      convertConflictPolicy(cfg.PortManager.ConflictPolicy),
		HealthCheckInterval: cfg.PortManager.HealthCheckInterval,
	}, cap, log)

	for id := range cfg.Ports.Specific {
		settings, ok := cfg.Ports.ResolvedPort(id)
		if !ok {
			continue
		}
		ctrl, err := mgr.Register(id, settings.PhysicalPath, settings.LineSettings().Type, settings.Priority, settings.LineSettings())
		if err != nil {
			log.Error("port registration failed", zap.String("port_id", id), zap.Error(err))
			continue
		}
		ctrl.SetAuditSink(auditLog)
		ctrl.SetPatternStore(db)
		registerPortGovernors(registry, runners, bus, metaGovs.arbiterID, ctrl, cfg.Governors, log)
		log.Info("port online", zap.String("port_id", id), zap.String("path", settings.PhysicalPath))
	}

	// ── Step 7: Health supervision ───────────────────────────────────────
	mgr.StartHealthSupervision(ctx)
	defer mgr.StopHealthSupervision()

	// ── Step 8: Drift aggregator ──────────────────────────────────────────
	aggregator := meta.NewAggregator(bus)
	go aggregator.Run()
	defer aggregator.Stop()

	// ── Step 9: Metrics server ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 10: Self-repair diagnostics ─────────────────────────────────
	var bridgeHealthy atomic.Bool
	diag := meta.NewDiagnostics(
		diagnosticPaths(cfg, mgr),
		configValidatorAdapter{},
		serviceHealthAdapter{&bridgeHealthy},
		patternStoreOpenerAdapter{},
	)
	runDiagnostics(diag, metrics, log)
	go diagnosticsLoop(ctx, diag, metrics, log, cfg.PortManager.HealthCheckInterval*2)

	// ── Step 11: A2A bridge ────────────────────────────────────────────────
	secret, err := loadOrGenerateTokenSecret(cfg.Security.TokenSecretPath, log)
	if err != nil {
		log.Fatal("token secret unavailable", zap.Error(err))
	}
	agents := bridge.NewAgentRegistry()
	tokens := bridge.NewTokenManager(secret, time.Duration(cfg.Security.TokenExpiryMinutes)*time.Minute)
	limiter := bridge.NewRateLimiter(bridge.RateLimiterConfig{
		GlobalRequestsPerMinute: cfg.Security.RateLimit.GlobalRequestsPerMinute,
		GlobalBurst:             cfg.Security.RateLimit.GlobalBurst,
		AgentRequestsPerMinute:  cfg.Security.RateLimit.AgentRequestsPerMinute,
		AgentBurst:              cfg.Security.RateLimit.AgentBurst,
		AgentMaxConnections:     cfg.Security.RateLimit.AgentMaxConnections,
		QuarantineThreshold:     cfg.Security.QuarantineThreshold,
		QuarantineWindow:        cfg.Security.QuarantineWindow,
		QuarantineDuration:      cfg.Security.QuarantineDuration,
	})
	dispatcher := bridge.NewDispatcher(agents, tokens, &portAdapter{mgr: mgr}, &governorHub{registry: registry, aggregator: aggregator}, log)

	bridgeAddr := fmt.Sprintf("%s:%d", cfg.Network.TCP.Host, cfg.Network.TCP.Port)
	server, err := bridge.NewServer(bridge.Config{
		ListenAddr: bridgeAddr,
		CertFile:   cfg.Network.TCP.TLSCertFile,
		KeyFile:    cfg.Network.TCP.TLSKeyFile,
		TokenTTL:   time.Duration(cfg.Security.TokenExpiryMinutes) * time.Minute,
		SweepEvery: 30 * time.Second,
	}, agents, tokens, limiter, dispatcher, log)
	if err != nil {
		log.Fatal("bridge server construction failed", zap.Error(err))
	}
	server.SetAuditSink(auditLog)

	go func() {
		bridgeHealthy.Store(true)
		if err := server.ListenAndServe(ctx); err != nil {
			bridgeHealthy.Store(false)
			log.Error("bridge server error", zap.Error(err))
		}
	}()
	log.Info("bridge server started", zap.String("addr", bridgeAddr))

	// ── Step 12: SIGHUP hot-reload ────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			config.ApplyReloadable(cfg, newCfg)
			auditLog.EmitSecurityEvent("authorization", 1, "", "", "config.reloaded", nil, 0)
			log.Info("config hot-reload successful")
		}
	}()

	// ── Step 13: Wait for shutdown signal ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	for _, id := range mgr.List() {
		if ctrl, ok := mgr.Lookup(id.ID); ok {
			_ = ctrl.Close()
		}
	}

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("cyreald shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
