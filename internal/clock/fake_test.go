package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := 0
	c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("Expected no fire before deadline, got %d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("Expected 1 fire at deadline, got %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Errorf("One-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := 0
	timer := c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(50 * time.Millisecond)
	if !timer.Reset(100 * time.Millisecond) {
		t.Error("Reset of an active timer should report true")
	}
	c.Advance(60 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("Reset timer fired early")
	}
	c.Advance(40 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("Expected reset timer to fire, got %d", fired)
	}

	timer = c.AfterFunc(10*time.Millisecond, func() { fired++ })
	if !timer.Stop() {
		t.Error("Stop of an active timer should report true")
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Errorf("Stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", c.Pending())
	}
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("Expected a tick after one interval")
	}
	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("Unexpected tick before the next interval")
	default:
	}
}
