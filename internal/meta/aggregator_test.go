package meta

import (
	"testing"
	"time"

	"github.com/cyreal-project/cyreal-core/internal/governor"
)

func TestAggregator_TracksEscalationsPerPort(t *testing.T) {
	bus := governor.NewBus()
	agg := NewAggregator(bus)
	go agg.Run()
	defer agg.Stop()

	bus.Publish(governor.Event{Kind: governor.EventClassified, SourceID: "com0", Class: governor.Classification(1), At: time.Now()})
	bus.Publish(governor.Event{Kind: governor.EventEscalate, SourceID: "com0", At: time.Now()})
	bus.Publish(governor.Event{Kind: governor.EventEscalate, SourceID: "com0", At: time.Now()})
	bus.Publish(governor.Event{Kind: governor.EventRespondFailed, SourceID: "com1", At: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v0, ok0 := agg.View("com0")
		v1, ok1 := agg.View("com1")
		if ok0 && ok1 && v0.Escalations == 2 && v1.RespondFailures == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("aggregator did not converge on expected counts in time")
}

func TestAggregator_ViewsReturnsAllTrackedPorts(t *testing.T) {
	bus := governor.NewBus()
	agg := NewAggregator(bus)
	go agg.Run()
	defer agg.Stop()

	bus.Publish(governor.Event{Kind: governor.EventClassified, SourceID: "a", At: time.Now()})
	bus.Publish(governor.Event{Kind: governor.EventClassified, SourceID: "b", At: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(agg.Views()) == 2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("aggregator did not observe both ports in time")
}
