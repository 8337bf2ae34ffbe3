package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "c") })

	c.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(5*time.Second))
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestFake_Stop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Error("first Stop should return true")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}

	c.Advance(time.Minute)
	if called {
		t.Error("stopped timer fired")
	}
}

func TestFake_TimerScheduledFromCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	count := 0
	var rearm func()
	rearm = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, rearm)
		}
	}
	c.AfterFunc(time.Second, rearm)

	c.Advance(10 * time.Second)

	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
