// psrlv.go — the cycle runner that drives any Governor through repeated
// Probe-Sense-Respond-Learn-Validate passes, advancing its Lifecycle at
// each step and publishing an Event to the shared Bus on completion or
// failure. One Runner exists per governor instance; the runner owns no
// governor-specific logic, only the control loop and backoff.
package governor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunnerConfig tunes a Runner's timing. ErrorThreshold repeated failures
// trigger an escalation event upward rather than indefinite retry, and is
// also the number of self-recovery attempts the Runner makes from
// StateError before giving up and transitioning to StateStopped.
type RunnerConfig struct {
	ProbeInterval  time.Duration
	ErrorThreshold int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
}

// SecuritySink receives the Security Event a Runner emits when it exhausts
// its recovery attempts and stops for good, mirroring internal/bridge's
// SecuritySink contract so both packages feed the same audit.Log without
// importing each other.
type SecuritySink interface {
	EmitSecurityEvent(category string, severity int, agentID, sourceAddr, name string, details map[string]any, riskScore int)
}

// Runner drives a single Governor's PSRLV loop on a timer, publishing
// lifecycle and classification events to bus.
type Runner struct {
	g      Governor
	life   *Lifecycle
	bus    *Bus
	cfg    RunnerConfig
	log    *zap.Logger
	stopCh chan struct{}
	audit  SecuritySink

	consecutiveFailures int
	currentDelay        time.Duration
}

// SetAuditSink wires the Security Event sink. Optional: a nil sink means
// exhausted-recovery events are only logged, not audited.
func (r *Runner) SetAuditSink(sink SecuritySink) { r.audit = sink }

// NewRunner constructs a Runner for g. bus may be nil, in which case events
// are not published (useful in tests exercising the cycle in isolation).
func NewRunner(g Governor, life *Lifecycle, bus *Bus, cfg RunnerConfig, log *zap.Logger) *Runner {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = cfg.ProbeInterval
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = cfg.RetryDelay * 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		g:            g,
		life:         life,
		bus:          bus,
		cfg:          cfg,
		log:          log.With(zap.String("governor_id", g.ID()), zap.Int("governor_level", int(g.Level()))),
		stopCh:       make(chan struct{}),
		currentDelay: cfg.ProbeInterval,
	}
}

// Run blocks, executing cycles on cfg.ProbeInterval (doubling on repeated
// failure up to MaxRetryDelay, reset to ProbeInterval on success) until ctx
// is cancelled or Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.life.Transition(StateInitializing); err != nil {
		return err
	}
	if err := r.g.Initialize(ctx); err != nil {
		r.life.Transition(StateError)
		return err
	}
	if _, err := r.life.Transition(StateIdle); err != nil {
		return err
	}

	timer := time.NewTimer(r.currentDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.life.Transition(StateStopped)
			return ctx.Err()
		case <-r.stopCh:
			r.life.Transition(StateStopped)
			return nil
		case <-timer.C:
			r.runOneCycle(ctx)
			if r.life.IsTerminal() {
				return nil
			}
			timer.Reset(r.currentDelay)
		}
	}
}

// Stop requests the run loop to exit. Idempotent.
func (r *Runner) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *Runner) runOneCycle(ctx context.Context) {
	start := time.Now()

	if _, err := r.life.Transition(StateProbing); err != nil {
		r.log.Warn("invalid lifecycle transition", zap.Error(err))
		return
	}
	meas, err := r.g.Probe(ctx)
	if err != nil {
		r.onFailure(ctx, "probe failed", err)
		return
	}

	if _, err := r.life.Transition(StateSensing); err != nil {
		r.log.Warn("invalid lifecycle transition", zap.Error(err))
		return
	}
	class := r.g.Sense(meas)
	r.publish(Event{Kind: EventClassified, SourceID: r.g.ID(), SourceLevel: r.g.Level(), Class: class, At: time.Now()})

	if class == Nominal {
		r.life.Transition(StateIdle)
		r.onSuccess(start)
		return
	}

	if _, err := r.life.Transition(StateResponding); err != nil {
		r.log.Warn("invalid lifecycle transition", zap.Error(err))
		return
	}
	if err := r.g.Respond(ctx, class); err != nil {
		r.onFailure(ctx, "respond failed", err)
		r.publish(Event{Kind: EventRespondFailed, SourceID: r.g.ID(), SourceLevel: r.g.Level(), Class: class, Detail: err.Error(), At: time.Now()})
		return
	}

	if _, err := r.life.Transition(StateLearning); err != nil {
		r.log.Warn("invalid lifecycle transition", zap.Error(err))
		return
	}
	if err := r.g.Learn(meas, class); err != nil {
		r.log.Warn("learn step failed", zap.Error(err))
	}

	if _, err := r.life.Transition(StateValidating); err != nil {
		r.log.Warn("invalid lifecycle transition", zap.Error(err))
		return
	}
	ok, err := r.g.Validate(ctx)
	if err != nil || !ok {
		r.onFailure(ctx, "validate failed", err)
		r.publish(Event{Kind: EventValidateFailed, SourceID: r.g.ID(), SourceLevel: r.g.Level(), Class: class, At: time.Now()})
		return
	}

	r.life.Transition(StateIdle)
	r.onSuccess(start)
	r.publish(Event{Kind: EventCycleCompleted, SourceID: r.g.ID(), SourceLevel: r.g.Level(), Class: class, At: time.Now()})
}

func (r *Runner) onSuccess(start time.Time) {
	r.consecutiveFailures = 0
	r.currentDelay = r.cfg.ProbeInterval
	_ = time.Since(start)
}

func (r *Runner) onFailure(ctx context.Context, msg string, err error) {
	r.life.Transition(StateError)
	r.consecutiveFailures++
	r.log.Error(msg, zap.Error(err), zap.Int("consecutive_failures", r.consecutiveFailures))

	r.currentDelay *= 2
	if r.currentDelay > r.cfg.MaxRetryDelay {
		r.currentDelay = r.cfg.MaxRetryDelay
	}

	if r.consecutiveFailures >= r.cfg.ErrorThreshold {
		r.publish(Event{
			Kind:        EventEscalate,
			SourceID:    r.g.ID(),
			SourceLevel: r.g.Level(),
			Detail:      msg,
			At:          time.Now(),
		})
		r.giveUp(msg, err)
		return
	}
	r.life.Transition(StateIdle)
}

// giveUp transitions the governor to StateStopped after it has exhausted
// cfg.ErrorThreshold self-recovery attempts, and records a recovery
// Security Event so an operator can see why the governor went silent
// instead of inferring it from a gap in the cycle log.
func (r *Runner) giveUp(msg string, err error) {
	r.life.Transition(StateStopped)
	r.log.Error("governor exhausted recovery attempts, stopping",
		zap.Int("error_threshold", r.cfg.ErrorThreshold), zap.String("last_failure", msg))

	if r.audit == nil {
		return
	}
	reason := msg
	if err != nil {
		reason = msg + ": " + err.Error()
	}
	r.audit.EmitSecurityEvent("recovery", 3, "", "", "governor.recovery_exhausted",
		map[string]any{
			"governor_id":          r.g.ID(),
			"governor_level":       int(r.g.Level()),
			"consecutive_failures": r.consecutiveFailures,
			"error_threshold":      r.cfg.ErrorThreshold,
			"reason":               reason,
		}, 60)
}

func (r *Runner) publish(ev Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
