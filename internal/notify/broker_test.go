package notify

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublish_FiltersByOwner(t *testing.T) {
	b := NewBroker()

	chA, cancelA := b.Subscribe("owner-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("owner-b")
	defer cancelB()

	b.Publish(PredictionEvent("owner-a", "p1", time.Now()))

	e := recvEvent(t, chA)
	if e.ID != "p1" || e.Table != "predictions" {
		t.Errorf("event = %+v", e)
	}

	select {
	case e := <-chB:
		t.Errorf("owner-b received foreign event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_EmptyOwnerReceivesAll(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("")
	defer cancel()

	b.Publish(PredictionEvent("owner-a", "p1", time.Now()))
	b.Publish(PredictionEvent("owner-b", "p2", time.Now()))

	seen := map[string]bool{}
	seen[recvEvent(t, ch).ID] = true
	seen[recvEvent(t, ch).ID] = true
	if !seen["p1"] || !seen["p2"] {
		t.Errorf("wildcard subscriber saw %v, want p1 and p2", seen)
	}
}

func TestPublish_DuplicatesDelivered(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("owner-a")
	defer cancel()

	e := PredictionEvent("owner-a", "p1", time.Now())
	b.Publish(e)
	b.Publish(e)

	first := recvEvent(t, ch)
	second := recvEvent(t, ch)
	if first.ID != "p1" || second.ID != "p1" {
		t.Errorf("events = %+v, %+v", first, second)
	}
}

func TestPublish_AfterCancelDoesNotBlock(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("owner-a")
	cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(PredictionEvent("owner-a", "p", time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked after subscriber cancelled")
	}
}

func TestPublish_SlowSubscriberStillReceives(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("owner-a")
	defer cancel()

	// Overflow the buffered channel; overflowed sends go async.
	const total = 40
	for i := 0; i < total; i++ {
		b.Publish(PredictionEvent("owner-a", "p", time.Now()))
	}

	for i := 0; i < total; i++ {
		recvEvent(t, ch)
	}
}
