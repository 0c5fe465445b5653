package sim

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countListener struct {
	n atomic.Int64
}

func (c *countListener) OnTick(time.Time) { c.n.Add(1) }

func TestClockSpeedIsClamped(t *testing.T) {
	c := NewClock(time.Second, 1, 2, zap.NewNop())

	if got := c.SetSpeed(5); got != 2 {
		t.Fatalf("expected clamp to 2, got %v", got)
	}
	if got := c.SetSpeed(-1); got != 0 {
		t.Fatalf("expected clamp to 0, got %v", got)
	}
	if got := c.SetSpeed(1.5); got != 1.5 {
		t.Fatalf("expected 1.5 to pass through, got %v", got)
	}
}

func TestClockSpeedZeroPausesTicking(t *testing.T) {
	c := NewClock(5*time.Millisecond, 0, 2, zap.NewNop())
	l := &countListener{}
	c.AddListener(l)

	c.Start()
	defer c.Stop()

	time.Sleep(40 * time.Millisecond)
	if got := l.n.Load(); got != 0 {
		t.Fatalf("paused clock must not tick, saw %d ticks", got)
	}

	// Unpausing resumes from retained state.
	c.SetSpeed(1)
	deadline := time.After(time.Second)
	for l.n.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("clock did not resume after unpause")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClockStartStopIdempotent(t *testing.T) {
	c := NewClock(time.Hour, 1, 2, zap.NewNop())

	c.Start()
	c.Start()
	if !c.Running() {
		t.Fatal("clock should be running")
	}

	c.Stop()
	c.Stop()
	if c.Running() {
		t.Fatal("clock should be stopped")
	}

	// Speed and world time survive a stop.
	c.SetSpeed(0.5)
	if c.Speed() != 0.5 {
		t.Fatalf("speed lost across stop: %v", c.Speed())
	}
}

func TestClockAdvancesWorldTime(t *testing.T) {
	c := NewClock(5*time.Millisecond, 2, 2, zap.NewNop())
	before := c.WorldTime()

	c.Start()
	defer c.Stop()

	deadline := time.After(time.Second)
	for !c.WorldTime().After(before) {
		select {
		case <-deadline:
			t.Fatal("world time never advanced")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
