// controller.go — the Serial Port Controller: the single owner of a
// physical link. Adapted from the teacher's internal/bpf/loader.go
// resource-wrapper idiom (load fully or fail, idempotent Close) for
// Open/Close, and internal/kernel/events.go's ring-buffer -> channel ->
// worker pipeline (collapsed to one consumer stage, since there is no
// kernel ring buffer here — only a device file) for Read.
package serialport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cyreal-project/cyreal-core/internal/governor"
	"github.com/cyreal-project/cyreal-core/internal/platform"
)

// Chunk is one unit of data delivered upstream by Read, sized and timed
// according to the active BufferMode.
type Chunk struct {
	Data []byte
	At   time.Time
}

// Controller owns one configured physical link end to end. All external
// access to the device routes through it; nothing else ever touches the
// file descriptor.
type Controller struct {
	id   string
	path string

	sm  *stateMachine
	mu  sync.Mutex // guards settings and dev during configure/open/close
	dev device

	settings LineSettings
	cap      platform.Capability

	bytesIn    uint64
	bytesOut   uint64
	errorCount uint64
	lastActivity int64
	openedAt   time.Time

	readCh   chan Chunk
	stopRead chan struct{}
	readWG   sync.WaitGroup

	bufferGov   *BufferModeGovernor
	rs485Gov    *RS485Governor
	recoveryGov *RecoveryGovernor

	auditSink SecurityEventSink
	store     PatternStore

	openFn func(path string, settings LineSettings) (device, error)

	log *zap.Logger
}

// SecurityEventSink receives recovery/bus-contention events for the audit
// log. Kept as a narrow interface here (rather than importing internal/audit
// directly) so serialport has no dependency on the audit package's storage
// concerns — only on the ability to emit one record.
type SecurityEventSink interface {
	EmitSecurityEvent(category string, severity int, agentID, sourceAddr, name string, details map[string]any, riskScore int)
}

// PatternStore is the narrow interface serialport needs from the learned
// pattern store: recording and retrieving last-known-good line settings for
// the Recovery sub-governor's third recovery attempt, plus the generic
// bounded/decaying pattern record every Learn-phase implementation in this
// package persists its observations into.
type PatternStore interface {
	PutLastKnownGood(portID string, settings LineSettings) error
	GetLastKnownGood(portID string) (LineSettings, bool, error)
	PutPattern(key string, value any) error
	GetPattern(key string) (PatternRecord, bool, error)
}

// PatternRecord mirrors internal/store.LearnedPattern's shape without
// serialport importing internal/store, so PatternStore stays a narrow
// interface rather than coupling this package to BoltDB's schema package.
type PatternRecord struct {
	Value       []byte
	Hits        int
	DecayWeight float64
}

// SetAuditSink wires the controller's Security Event emission target.
// Optional: a nil sink means recovery/contention events are logged only.
func (c *Controller) SetAuditSink(sink SecurityEventSink) { c.auditSink = sink }

// SetPatternStore wires the learned-pattern store used for last-known-good
// recovery.
func (c *Controller) SetPatternStore(store PatternStore) { c.store = store }

// BufferGovernor returns the port's adaptive buffering sub-governor, so
// cmd/cyreald can enroll it in the shared governor.Registry for status
// reporting and PSRLV-cycle scheduling.
func (c *Controller) BufferGovernor() governor.Governor { return c.bufferGov }

// RS485Governor returns the port's half-duplex turnaround sub-governor.
// Its Probe/Sense report zero collisions for a port not configured for
// RS485.
func (c *Controller) RS485Governor() governor.Governor { return c.rs485Gov }

// RecoveryGovernor returns the port's fault-recovery sub-governor.
func (c *Controller) RecoveryGovernor() governor.Governor { return c.recoveryGov }

// NewController constructs a Controller for a not-yet-open port. id is the
// stable logical identifier used throughout the Port Manager and bridge.
func NewController(id, path string, cap platform.Capability, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		id:     id,
		path:   path,
		sm:     newStateMachine(),
		cap:    cap,
		openFn: openLinuxDevice,
		log:    log.With(zap.String("port_id", id)),
	}
	c.bufferGov = newBufferModeGovernor(c)
	c.rs485Gov = newRS485Governor(c)
	c.recoveryGov = newRecoveryGovernor(c)
	return c
}

// ID returns the port's stable logical identifier.
func (c *Controller) ID() string { return c.id }

// Open transitions closed -> opening -> operational, configuring the
// underlying device with settings. Fails with ErrPortBusy, ErrPermissionDenied,
// ErrNotFound, or ErrInvalidSettings.
func (c *Controller) Open(settings LineSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := c.sm.transition(StatusOpening); err != nil {
		return err
	}

	dev, err := c.openFn(c.path, settings)
	if err != nil {
		c.sm.forceTransition(StatusError)
		return err
	}

	c.mu.Lock()
	c.dev = dev
	c.settings = settings
	c.mu.Unlock()

	if err := c.sm.transition(StatusOperational); err != nil {
		dev.Close()
		return err
	}

	c.openedAt = time.Now()
	c.readCh = make(chan Chunk, 256)
	c.stopRead = make(chan struct{})
	c.bufferGov.start()
	c.readWG.Add(1)
	go c.readLoop()

	c.log.Info("port opened", zap.String("path", c.path), zap.Int("baud", settings.BaudRate))
	return nil
}

// Close drains output, releases the device, and transitions to closed.
// Always succeeds or returns ErrAlreadyClosed.
func (c *Controller) Close() error {
	if c.sm.get() == StatusClosed {
		return ErrAlreadyClosed
	}

	if c.stopRead != nil {
		close(c.stopRead)
		c.readWG.Wait()
		c.bufferGov.stop()
		close(c.readCh)
		c.stopRead = nil
	}

	c.mu.Lock()
	dev := c.dev
	c.dev = nil
	c.mu.Unlock()

	if dev != nil {
		dev.Drain()
		dev.Close()
	}

	c.sm.forceTransition(StatusClosed)
	c.log.Info("port closed")
	return nil
}

// Write accepts bytes for transmission. For RS-485 ports this wraps the
// write in a half-duplex turnaround transaction. Returns the number of
// bytes accepted.
func (c *Controller) Write(ctx context.Context, data []byte) (int, error) {
	if c.sm.get() != StatusOperational && c.sm.get() != StatusWarning {
		return 0, ErrNotOperational
	}

	c.mu.Lock()
	dev := c.dev
	settings := c.settings
	c.mu.Unlock()
	if dev == nil {
		return 0, ErrNotOperational
	}

	var n int
	var err error
	if settings.RS485 != nil {
		n, err = c.rs485Gov.transmit(ctx, dev, data)
	} else {
		n, err = dev.Write(data)
	}
	if err != nil {
		atomic.AddUint64(&c.errorCount, 1)
		c.enterWarning()
		return n, err
	}
	atomic.AddUint64(&c.bytesOut, uint64(n))
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
	return n, nil
}

// Read returns the controller's chunk channel. Every call returns the same
// channel, so concurrent readers share it and each chunk reaches only one
// of them. It is not restartable: the channel closes when the port closes.
func (c *Controller) Read() <-chan Chunk {
	return c.readCh
}

// Configure atomically replaces the line settings. partial must be a
// complete LineSettings that passes Validate; its fields are not merged
// with the current settings. Either every field takes effect or none do.
func (c *Controller) Configure(partial LineSettings) error {
	if err := partial.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return ErrNotOperational
	}
	if err := c.dev.Reconfigure(partial); err != nil {
		return err
	}
	c.settings = partial
	return nil
}

// Metrics returns a point-in-time snapshot.
func (c *Controller) Metrics() Metrics {
	var uptime int64
	if !c.openedAt.IsZero() && c.sm.get() != StatusClosed {
		uptime = int64(time.Since(c.openedAt).Seconds())
	}
	return Metrics{
		BytesIn:       atomic.LoadUint64(&c.bytesIn),
		BytesOut:      atomic.LoadUint64(&c.bytesOut),
		ErrorCount:    atomic.LoadUint64(&c.errorCount),
		LastActivity:  atomic.LoadInt64(&c.lastActivity),
		UptimeSeconds: uptime,
		CurrentMode:   c.bufferGov.currentMode(),
		CurrentStatus: c.sm.get(),
	}
}

// Status returns the port's current operational status.
func (c *Controller) Status() Status {
	return c.sm.get()
}

// Settings returns a copy of the port's current line settings.
func (c *Controller) Settings() LineSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Controller) enterWarning() {
	if c.sm.get() == StatusOperational {
		c.sm.transition(StatusWarning)
	}
}

// enterError is called by governors (buffer-mode read failures, recovery
// exhaustion) to move the port into the error state for the recovery
// governor to act on.
func (c *Controller) enterError(reason string) {
	s := c.sm.get()
	if s == StatusOperational || s == StatusWarning {
		c.sm.transition(StatusError)
		c.log.Warn("port entered error state", zap.String("reason", reason))
	}
}

// readLoop is the controller's single consumer stage: it reads raw bytes
// from the device and hands them to the buffer-mode governor for chunking,
// then publishes chunks on readCh. Backpressure: if readCh is full, the
// oldest queued chunk is dropped, mirroring the core's "slow subscribers
// are dropped" rule rather than blocking the device read.
func (c *Controller) readLoop() {
	defer c.readWG.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-c.stopRead:
			return
		default:
		}

		c.mu.Lock()
		dev := c.dev
		c.mu.Unlock()
		if dev == nil {
			return
		}

		n, err := dev.Read(buf)
		if err != nil {
			atomic.AddUint64(&c.errorCount, 1)
			c.enterError(fmt.Sprintf("read error: %v", err))
			return
		}
		if n == 0 {
			continue
		}
		atomic.AddUint64(&c.bytesIn, uint64(n))
		atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())

		chunk := append([]byte(nil), buf[:n]...)
		for _, out := range c.bufferGov.ingest(chunk) {
			c.publish(out)
		}
	}
}

func (c *Controller) publish(chunk Chunk) {
	select {
	case c.readCh <- chunk:
	default:
		select {
		case <-c.readCh:
		default:
		}
		select {
		case c.readCh <- chunk:
		default:
		}
	}
}
