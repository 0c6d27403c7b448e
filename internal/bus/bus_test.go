package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("test", 10)
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: MemoryAdded, ID: "a"})
	b.Publish(Event{Kind: MemoryUpdated, ID: "a"})
	b.Publish(Event{Kind: MemoryDeleted, ID: "a"})

	want := []Kind{MemoryAdded, MemoryUpdated, MemoryDeleted}
	for i, kind := range want {
		select {
		case got := <-sub.C:
			if got.Kind != kind {
				t.Fatalf("event %d: got %s want %s", i, got.Kind, kind)
			}
			if got.Timestamp.IsZero() {
				t.Fatal("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New(nil)
	slow := b.Subscribe("slow", 2)
	fast := b.Subscribe("fast", 10)
	defer b.Unsubscribe(fast)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: TaskAdded, ID: "t"})
	}

	if b.SubscriberCount() != 1 {
		t.Fatalf("expected slow subscriber dropped, count = %d", b.SubscriberCount())
	}
	// Drained channel of the dropped subscriber closes after its buffer.
	n := 0
	for range slow.C {
		n++
	}
	if n != 2 {
		t.Fatalf("slow subscriber drained %d events, want 2", n)
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("x", 1)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Publish(Event{Kind: SettingsChanged})
}
