// buffer.go — the Buffer-Mode sub-governor: selects among line/stream/raw
// chunking strategies from a windowed classifier over recent read traffic,
// adapted from the teacher's internal/anomaly/entropy.go windowed-counter
// shape (fixed window, running counts, periodic recompute) but classifying
// newline-fraction and interarrival time instead of byte entropy.
package serialport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cyreal-project/cyreal-core/internal/governor"
)

const (
	defaultLineTimeout   = 50 * time.Millisecond
	defaultStreamTimeout = 10 * time.Millisecond
	defaultRingSize      = 4096
	classifyWindow       = 30 * time.Second
	newlineModeThreshold = 0.80
	rawInterarrivalMax   = 2 * time.Millisecond
	rawMinChunkBytes     = 512
)

// BufferModeGovernor owns the active BufferMode for a Controller and the
// windowed statistics used to reconsider it.
type BufferModeGovernor struct {
	ctrl *Controller

	mu          sync.Mutex
	mode        BufferMode
	pending     []byte
	lastFlushAt time.Time
	lastReadAt  time.Time

	windowStart    time.Time
	totalChunks    int
	newlineEnded   int
	interarrivalNS int64
	totalBytes     int64

	stopCh chan struct{}
	wg     sync.WaitGroup

	cycles uint64
}

func newBufferModeGovernor(ctrl *Controller) *BufferModeGovernor {
	now := time.Now()
	return &BufferModeGovernor{
		ctrl:        ctrl,
		mode:        ModeStream,
		lastFlushAt: now,
		windowStart: now,
	}
}

// NewSimulatedBufferGovernor builds a BufferModeGovernor with no attached
// Controller, for cmd/cyreal-bufsim to drive the mode-selection rule against
// synthetic traffic without opening a real device.
func NewSimulatedBufferGovernor() *BufferModeGovernor {
	return newBufferModeGovernor(nil)
}

// Ingest is the exported form of ingest, for simulation callers outside the
// package.
func (b *BufferModeGovernor) Ingest(data []byte) []Chunk { return b.ingest(data) }

// CurrentMode is the exported form of currentMode.
func (b *BufferModeGovernor) CurrentMode() BufferMode { return b.currentMode() }

func (b *BufferModeGovernor) currentMode() BufferMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// start launches the periodic flush-on-timeout goroutine. Called by
// Controller.Open.
func (b *BufferModeGovernor) start() {
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.flushLoop()
}

func (b *BufferModeGovernor) stop() {
	if b.stopCh != nil {
		close(b.stopCh)
		b.wg.Wait()
	}
}

func (b *BufferModeGovernor) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if chunk, ok := b.timeoutFlush(); ok {
				b.ctrl.publish(chunk)
			}
		}
	}
}

// timeoutFlush emits the pending buffer if its mode-specific timeout has
// elapsed since the last flush.
func (b *BufferModeGovernor) timeoutFlush() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return Chunk{}, false
	}
	timeout := defaultStreamTimeout
	if b.mode == ModeLine {
		timeout = defaultLineTimeout
	}
	if time.Since(b.lastFlushAt) < timeout {
		return Chunk{}, false
	}
	return b.flushLocked(), true
}

func (b *BufferModeGovernor) flushLocked() Chunk {
	out := Chunk{Data: b.pending, At: time.Now()}
	b.pending = nil
	b.lastFlushAt = time.Now()
	return out
}

// ingest folds data into the classifier window and returns any chunks ready
// to emit immediately under the current mode. Timeout-driven flushes happen
// separately in flushLoop.
func (b *BufferModeGovernor) ingest(data []byte) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !b.lastReadAt.IsZero() {
		b.interarrivalNS += now.Sub(b.lastReadAt).Nanoseconds()
	}
	b.lastReadAt = now
	b.totalChunks++
	b.totalBytes += int64(len(data))
	if len(data) > 0 && data[len(data)-1] == '\n' {
		b.newlineEnded++
	}
	if now.Sub(b.windowStart) > classifyWindow {
		b.recomputeModeLocked()
	}

	switch b.mode {
	case ModeRaw:
		return []Chunk{{Data: data, At: now}}
	case ModeLine:
		b.pending = append(b.pending, data...)
		var out []Chunk
		for {
			idx := indexByte(b.pending, '\n')
			if idx < 0 {
				break
			}
			out = append(out, Chunk{Data: b.pending[:idx+1], At: now})
			b.pending = b.pending[idx+1:]
		}
		if len(out) > 0 {
			b.lastFlushAt = now
		}
		return out
	default: // ModeStream
		b.pending = append(b.pending, data...)
		if len(b.pending) >= defaultRingSize/2 {
			return []Chunk{b.flushLocked()}
		}
		return nil
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// recomputeModeLocked applies the mode selection rule over the just-closed
// window and resets counters for the next one. Must be called with mu held.
func (b *BufferModeGovernor) recomputeModeLocked() {
	if b.totalChunks == 0 {
		b.windowStart = time.Now()
		return
	}
	newlineFrac := float64(b.newlineEnded) / float64(b.totalChunks)
	meanInterarrival := time.Duration(b.interarrivalNS / int64(maxInt(b.totalChunks, 1)))
	meanChunkSize := b.totalBytes / int64(b.totalChunks)

	// Default is "stay put": neither rule clearly fires, tie broken in
	// favor of the current mode to avoid flapping.
	next := b.mode
	switch {
	case newlineFrac > newlineModeThreshold:
		next = ModeLine
	case meanInterarrival < rawInterarrivalMax && meanChunkSize >= rawMinChunkBytes:
		next = ModeRaw
	}
	b.mode = next

	b.totalChunks = 0
	b.newlineEnded = 0
	b.interarrivalNS = 0
	b.totalBytes = 0
	b.windowStart = time.Now()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// The BufferModeGovernor also satisfies governor.Governor so it can be
// driven by the shared PSRLV runner alongside every other adaptive
// component, reporting its classification decisions on the governor bus.

func (b *BufferModeGovernor) ID() string {
	if b.ctrl == nil {
		return "simulated.buffer-mode"
	}
	return b.ctrl.id + ".buffer-mode"
}
func (b *BufferModeGovernor) Level() governor.Level { return governor.LevelOperations }

// bufferModePattern is the payload persisted under patternKey: the settled
// classifier baseline, so a restart does not have to re-converge from a
// cold 30s classification window.
type bufferModePattern struct {
	PreferredMode      BufferMode `json:"preferredMode"`
	NewlineFraction    float64    `json:"newlineFraction"`
	MeanInterarrivalNS int64      `json:"meanInterarrivalNs"`
}

func (b *BufferModeGovernor) patternKey() string {
	return fmt.Sprintf("buffermode:%s", b.ctrl.id)
}

// Initialize restores the governor's last learned mode from the pattern
// store, if any, so a freshly started controller does not have to
// re-classify a full window of traffic before picking a sensible mode.
func (b *BufferModeGovernor) Initialize(ctx context.Context) error {
	if b.ctrl == nil || b.ctrl.store == nil {
		return nil
	}
	rec, ok, err := b.ctrl.store.GetPattern(b.patternKey())
	if err != nil || !ok {
		return nil
	}
	var p bufferModePattern
	if err := json.Unmarshal(rec.Value, &p); err != nil {
		return nil
	}
	b.mu.Lock()
	b.mode = p.PreferredMode
	b.mu.Unlock()
	return nil
}
func (b *BufferModeGovernor) Start(ctx context.Context) error { return nil }
func (b *BufferModeGovernor) Stop() error                     { return nil }

func (b *BufferModeGovernor) Probe(ctx context.Context) (governor.Measurement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := governor.Measurement{
		"total_chunks": float64(b.totalChunks),
		"newline_ended": float64(b.newlineEnded),
	}
	return m, nil
}

func (b *BufferModeGovernor) Sense(m governor.Measurement) governor.Classification {
	before := b.currentMode()
	b.mu.Lock()
	if time.Since(b.windowStart) > classifyWindow {
		b.recomputeModeLocked()
	}
	after := b.mode
	b.mu.Unlock()
	if after != before {
		return governor.Drifting
	}
	return governor.Nominal
}

func (b *BufferModeGovernor) Respond(ctx context.Context, c governor.Classification) error {
	// The mode switch itself already happened inside Sense's
	// recomputeModeLocked; Respond exists to log/publish the transition via
	// the PSRLV runner's event bus, handled by the runner itself.
	return nil
}

// Learn persists the current classifier baseline so it survives a restart.
// Only Drifting/Critical cycles — the ones where recomputeModeLocked just
// ran — are worth a write; a Nominal cycle has nothing new to record.
func (b *BufferModeGovernor) Learn(m governor.Measurement, c governor.Classification) error {
	b.cycles++
	if c == governor.Nominal || b.ctrl == nil || b.ctrl.store == nil {
		return nil
	}
	b.mu.Lock()
	p := bufferModePattern{
		PreferredMode:      b.mode,
		NewlineFraction:    float64(b.newlineEnded) / float64(maxInt(b.totalChunks, 1)),
		MeanInterarrivalNS: b.interarrivalNS / int64(maxInt(b.totalChunks, 1)),
	}
	b.mu.Unlock()
	return b.ctrl.store.PutPattern(b.patternKey(), p)
}

func (b *BufferModeGovernor) Validate(ctx context.Context) (bool, error) {
	return true, nil
}

func (b *BufferModeGovernor) SnapshotMetrics() governor.Metrics {
	return governor.Metrics{CycleCount: b.cycles}
}
