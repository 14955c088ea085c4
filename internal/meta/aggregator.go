package meta

import (
	"sync"
	"time"

	"github.com/cyreal-project/cyreal-core/internal/governor"
)

// PortView is the Aggregator's rolling summary of one port's governor
// activity, the minimal state governor.analyze needs to answer "how has
// this port been behaving lately" without replaying the whole event bus.
type PortView struct {
	PortID          string
	Level           governor.Level
	LastClass       governor.Classification
	Escalations     uint64
	RespondFailures uint64
	ValidateFailures uint64
	DroppedEvents   uint64
	LastEventAt     time.Time
}

// Aggregator subscribes to a governor.Bus and maintains a rolling,
// per-port view of drift: escalation counts, failure counts, and the most
// recent classification. It is the Systems-4/5 half of the Self-Repair
// and Meta module — Diagnostics handles the Systems-1/2/3 filesystem and
// process checks, Aggregator handles the governance-layer drift signal
// that feeds governor.analyze and the Repair Report's health summary.
type Aggregator struct {
	mu    sync.RWMutex
	views map[string]*PortView

	sub *governor.Subscription
	bus *governor.Bus

	stop chan struct{}
	done chan struct{}
}

// NewAggregator subscribes to bus immediately. Run must be called to start
// consuming events; Stop unsubscribes and waits for the consumer goroutine
// to exit.
func NewAggregator(bus *governor.Bus) *Aggregator {
	a := &Aggregator{
		views: make(map[string]*PortView),
		bus:   bus,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	a.sub = bus.Subscribe()
	return a
}

// Run consumes bus events until Stop is called. Intended to be run in its
// own goroutine.
func (a *Aggregator) Run() {
	defer close(a.done)
	for {
		select {
		case ev, ok := <-a.sub.C:
			if !ok {
				return
			}
			a.apply(ev)
		case <-a.stop:
			a.sub.Unsubscribe()
			return
		}
	}
}

// Stop halts the consumer goroutine and waits for it to exit.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Aggregator) apply(ev governor.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.views[ev.SourceID]
	if !ok {
		v = &PortView{PortID: ev.SourceID}
		a.views[ev.SourceID] = v
	}
	v.Level = ev.SourceLevel
	v.LastEventAt = ev.At

	switch ev.Kind {
	case governor.EventClassified:
		v.LastClass = ev.Class
	case governor.EventEscalate:
		v.Escalations++
	case governor.EventRespondFailed:
		v.RespondFailures++
	case governor.EventValidateFailed:
		v.ValidateFailures++
	}

	if a.sub != nil {
		v.DroppedEvents = a.bus.DropCount(a.sub)
	}
}

// View returns the current rolling view for a port, if any events have
// been observed for it yet.
func (a *Aggregator) View(portID string) (PortView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.views[portID]
	if !ok {
		return PortView{}, false
	}
	return *v, true
}

// Views returns a snapshot of every port currently tracked, ordered by no
// particular guarantee — callers that need a stable order should sort.
func (a *Aggregator) Views() []PortView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]PortView, 0, len(a.views))
	for _, v := range a.views {
		out = append(out, *v)
	}
	return out
}
