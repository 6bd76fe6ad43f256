package broadcast

import (
	"testing"
	"time"
)

func receive[T any](t *testing.T, s *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := NewHub[int]()
	defer hub.Close()

	sub := hub.Subscribe()
	for i := 0; i < 100; i++ {
		hub.Publish(i)
	}
	for i := 0; i < 100; i++ {
		if got := receive(t, sub); got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
}

func TestLateSubscriberSeesOnlyNewValues(t *testing.T) {
	hub := NewHub[string]()
	defer hub.Close()

	early := hub.Subscribe()
	hub.Publish("before")
	late := hub.Subscribe()
	hub.Publish("after")

	if got := receive(t, early); got != "before" {
		t.Errorf("early subscriber: expected before, got %s", got)
	}
	if got := receive(t, late); got != "after" {
		t.Errorf("late subscriber: expected after, got %s", got)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub[int]()
	defer hub.Close()

	_ = hub.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on an undrained subscriber")
	}
}

func TestCloseSubscription(t *testing.T) {
	hub := NewHub[int]()
	defer hub.Close()

	sub := hub.Subscribe()
	if hub.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Len())
	}
	sub.Close()
	sub.Close()

	if hub.Len() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", hub.Len())
	}
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel was not closed")
	}
}

func TestSubscribeAfterHubClose(t *testing.T) {
	hub := NewHub[int]()
	hub.Close()

	sub := hub.Subscribe()
	if _, ok := <-sub.C(); ok {
		t.Error("subscription on closed hub should be closed")
	}
	hub.Publish(1)
}
