package governor

import (
	"testing"
	"time"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: EventCycleCompleted, SourceID: "test"})

	select {
	case ev := <-sub.C:
		if ev.SourceID != "test" {
			t.Fatalf("got source %q, want test", ev.SourceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			b.Publish(Event{Kind: EventClassified, SourceID: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	if b.DropCount(sub) == 0 {
		t.Fatalf("expected drops for a never-drained subscriber")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C
	if ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}

func TestBus_CloseStopsFurtherDelivery(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	b.Close()

	b.Publish(Event{Kind: EventCycleCompleted})

	if _, ok := <-sub.C; ok {
		t.Fatalf("subscriber channel should be closed after bus Close")
	}
}

func TestBus_MultipleSubscribersEachGetEvent(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(Event{Kind: EventEscalate, SourceID: "multi"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.C:
			if ev.SourceID != "multi" {
				t.Fatalf("got %q", ev.SourceID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
