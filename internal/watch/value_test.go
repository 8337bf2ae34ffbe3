package watch

import (
	"testing"
	"time"
)

func TestValue_SubscribeReturnsCurrent(t *testing.T) {
	v := NewValue("connecting")
	v.Set("connected")

	cur, _, cancel := v.Subscribe()
	defer cancel()

	if cur != "connected" {
		t.Errorf("current = %q, want connected", cur)
	}
}

func TestValue_SlowSubscriberSeesLatest(t *testing.T) {
	v := NewValue(0)
	_, ch, cancel := v.Subscribe()
	defer cancel()

	for i := 1; i <= 10; i++ {
		v.Set(i)
	}

	select {
	case got := <-ch:
		if got != 10 {
			t.Errorf("got %d, want 10", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}

	select {
	case got := <-ch:
		t.Errorf("unexpected extra value %d", got)
	default:
	}
}

func TestValue_CancelClosesChannel(t *testing.T) {
	v := NewValue(1)
	_, ch, cancel := v.Subscribe()

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	// Set after cancel must not panic.
	v.Set(2)
	if v.Get() != 2 {
		t.Errorf("Get() = %d, want 2", v.Get())
	}
}
