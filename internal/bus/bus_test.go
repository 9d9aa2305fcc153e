package bus_test

import (
	"testing"
	"time"

	"github.com/sociotechnica-org/lifebuild/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskStarted, bus.TaskLifecycleEvent{TaskID: "t1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicTaskStarted {
			t.Fatalf("topic = %q, want %q", ev.Topic, bus.TopicTaskStarted)
		}
		payload, ok := ev.Payload.(bus.TaskLifecycleEvent)
		if !ok || payload.TaskID != "t1" {
			t.Fatalf("unexpected payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("reconcile.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicLoopStarted, nil)
	b.Publish(bus.TopicReconcileCompleted, bus.ReconcileEvent{Added: 1})

	ev := <-sub.Ch()
	if ev.Topic != bus.TopicReconcileCompleted {
		t.Fatalf("got %q, want reconcile.completed", ev.Topic)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event: %q", ev.Topic)
	default:
	}
}

func TestSlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Publish well past the buffer size without draining.
		for i := 0; i < 500; i++ {
			b.Publish(bus.TopicLoopIteration, bus.LoopEvent{Iteration: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow consumer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
