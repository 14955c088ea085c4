// recovery.go — the Recovery sub-governor: on a port's transition to error,
// attempts in order (a) flush OS buffers, (b) reopen with identical
// settings, (c) reopen with last-known-good settings from the learned
// store, (d) mark standby and notify the parent. Each step budgeted at a
// 2s deadline via context, mirroring the teacher's per-step ctx.Done()
// deadline idiom used throughout internal/gossip and internal/bpf.
package serialport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyreal-project/cyreal-core/internal/governor"
)

const (
	recoveryStepDeadline  = 2 * time.Second
	recoveryEscalateWindow = 10 * time.Minute
)

// RecoveryGovernor drives the ordered recovery attempt ladder for one
// Controller.
type RecoveryGovernor struct {
	ctrl *Controller

	recentAttempts []time.Time
	cycles         uint64
	lastOutcome    string
}

func newRecoveryGovernor(ctrl *Controller) *RecoveryGovernor {
	return &RecoveryGovernor{ctrl: ctrl}
}

// Attempt runs the recovery ladder once. Called from Respond when the
// PSRLV runner's Sense step has classified the controller's StatusError as
// Critical. The port manager's health supervision does not call it; it
// restarts ports with Close and Open directly.
func (r *RecoveryGovernor) Attempt(ctx context.Context) error {
	r.recordAttempt()

	settings := r.ctrl.Settings()

	if err := r.step(ctx, "flush", func(stepCtx context.Context) error {
		r.ctrl.mu.Lock()
		dev := r.ctrl.dev
		r.ctrl.mu.Unlock()
		if dev == nil {
			return ErrNotOperational
		}
		return dev.Drain()
	}); err == nil {
		if r.ctrl.Status() != StatusError {
			r.recordOutcome("flush")
			return nil
		}
	}

	if err := r.step(ctx, "reopen-same", func(stepCtx context.Context) error {
		r.ctrl.Close()
		return r.ctrl.Open(settings)
	}); err == nil {
		r.recordOutcome("reopen-same")
		r.learnSuccess(settings)
		return nil
	}

	if r.ctrl.store != nil {
		if lkg, ok, err := r.ctrl.store.GetLastKnownGood(r.ctrl.id); err == nil && ok {
			if err := r.step(ctx, "reopen-last-known-good", func(stepCtx context.Context) error {
				r.ctrl.Close()
				return r.ctrl.Open(lkg)
			}); err == nil {
				r.recordOutcome("reopen-last-known-good")
				r.learnSuccess(lkg)
				return nil
			}
		}
	}

	r.ctrl.sm.forceTransition(StatusStandby)
	r.recordOutcome("standby")
	r.ctrl.log.Warn("recovery exhausted, port moved to standby", zap.String("port_id", r.ctrl.id))

	severity := 5
	if r.escalate() {
		severity = 7
	}
	if r.ctrl.auditSink != nil {
		r.ctrl.auditSink.EmitSecurityEvent(
			"recovery", severity, "", "", "recovery_exhausted",
			map[string]any{"port_id": r.ctrl.id}, 60,
		)
	}
	return ErrNotOperational
}

func (r *RecoveryGovernor) step(ctx context.Context, name string, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, recoveryStepDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stepCtx) }()

	select {
	case err := <-done:
		if err != nil {
			r.ctrl.log.Warn("recovery step failed", zap.String("step", name), zap.Error(err))
		}
		return err
	case <-stepCtx.Done():
		r.ctrl.log.Warn("recovery step deadline exceeded", zap.String("step", name))
		return stepCtx.Err()
	}
}

func (r *RecoveryGovernor) learnSuccess(settings LineSettings) {
	if r.ctrl.store != nil {
		r.ctrl.store.PutLastKnownGood(r.ctrl.id, settings)
	}
}

func (r *RecoveryGovernor) recordAttempt() {
	r.recentAttempts = append(r.recentAttempts, time.Now())
}

func (r *RecoveryGovernor) recordOutcome(outcome string) {
	r.lastOutcome = outcome
}

// recoveryPattern is the payload persisted under patternKey: which rung of
// the recovery ladder most recently resolved the port, so an operator
// inspecting patterns.db can see whether a port habitually needs
// last-known-good settings rather than a plain reopen.
type recoveryPattern struct {
	LastOutcome string `json:"lastOutcome"`
}

func (r *RecoveryGovernor) patternKey() string {
	return fmt.Sprintf("recovery:%s", r.ctrl.id)
}

// escalate reports whether recovery has been attempted repeatedly within
// the 10-minute escalation window, pruning older entries.
func (r *RecoveryGovernor) escalate() bool {
	cutoff := time.Now().Add(-recoveryEscalateWindow)
	kept := r.recentAttempts[:0]
	for _, t := range r.recentAttempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.recentAttempts = kept
	return len(r.recentAttempts) > 1
}

func (r *RecoveryGovernor) ID() string            { return r.ctrl.id + ".recovery" }
func (r *RecoveryGovernor) Level() governor.Level { return governor.LevelOperations }

func (r *RecoveryGovernor) Initialize(ctx context.Context) error { return nil }
func (r *RecoveryGovernor) Start(ctx context.Context) error      { return nil }
func (r *RecoveryGovernor) Stop() error                          { return nil }

func (r *RecoveryGovernor) Probe(ctx context.Context) (governor.Measurement, error) {
	status := r.ctrl.Status()
	errored := 0.0
	if status == StatusError {
		errored = 1.0
	}
	return governor.Measurement{"errored": errored}, nil
}

func (r *RecoveryGovernor) Sense(m governor.Measurement) governor.Classification {
	if m["errored"] > 0 {
		return governor.Critical
	}
	return governor.Nominal
}

func (r *RecoveryGovernor) Respond(ctx context.Context, c governor.Classification) error {
	if c == governor.Critical {
		return r.Attempt(ctx)
	}
	return nil
}

// Learn persists which recovery step last resolved the port, if a recovery
// attempt has actually run since the controller was created. A port that
// has never errored has nothing to record yet.
func (r *RecoveryGovernor) Learn(m governor.Measurement, c governor.Classification) error {
	r.cycles++
	if r.lastOutcome == "" || r.ctrl.store == nil {
		return nil
	}
	return r.ctrl.store.PutPattern(r.patternKey(), recoveryPattern{LastOutcome: r.lastOutcome})
}

func (r *RecoveryGovernor) Validate(ctx context.Context) (bool, error) {
	return r.ctrl.Status() != StatusError, nil
}

func (r *RecoveryGovernor) SnapshotMetrics() governor.Metrics {
	return governor.Metrics{CycleCount: r.cycles}
}
