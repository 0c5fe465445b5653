package sim

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives world tick events.
type Listener interface {
	OnTick(worldTime time.Time)
}

// Clock drives the simulation. The real interval between ticks is the
// base interval divided by the speed multiplier; speed 0 pauses ticking
// entirely while keeping all state. Speed is clamped to [0, maxSpeed].
type Clock struct {
	base     time.Duration
	maxSpeed float64
	logger   *zap.Logger

	mu        sync.RWMutex
	speed     float64
	worldTime time.Time
	listeners []Listener
	running   bool
	cancel    context.CancelFunc

	// wake interrupts the tick timer when speed changes.
	wake chan struct{}
}

// NewClock creates a paused-capable clock. maxSpeed <= 0 defaults to 2.
func NewClock(base time.Duration, speed, maxSpeed float64, logger *zap.Logger) *Clock {
	if maxSpeed <= 0 {
		maxSpeed = 2
	}
	c := &Clock{
		base:      base,
		maxSpeed:  maxSpeed,
		logger:    logger,
		worldTime: time.Now(),
		wake:      make(chan struct{}, 1),
	}
	c.speed = c.clamp(speed)
	return c
}

func (c *Clock) clamp(speed float64) float64 {
	if speed < 0 {
		return 0
	}
	if speed > c.maxSpeed {
		return c.maxSpeed
	}
	return speed
}

// AddListener registers a tick listener. Listeners are not removable;
// register before Start.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// WorldTime returns the current simulated time.
func (c *Clock) WorldTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worldTime
}

// Speed returns the current multiplier.
func (c *Clock) Speed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// SetSpeed clamps and applies a new multiplier, returning the applied
// value. Takes effect on the next tick boundary.
func (c *Clock) SetSpeed(speed float64) float64 {
	applied := c.clamp(speed)
	c.mu.Lock()
	c.speed = applied
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.logger.Info("time speed set", zap.Float64("speed", applied))
	return applied
}

// Running reports whether the tick loop is active.
func (c *Clock) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Start begins the tick loop. Calling Start on a running clock is a no-op.
func (c *Clock) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go c.loop(ctx)
	c.logger.Info("clock started",
		zap.Duration("interval", c.base),
		zap.Float64("speed", c.Speed()))
}

// Stop halts the tick loop. Idempotent; world time and speed survive.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.logger.Info("clock stopped")
}

func (c *Clock) loop(ctx context.Context) {
	for {
		speed := c.Speed()
		if speed == 0 {
			// Paused: wait for a speed change or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}

		timer := time.NewTimer(time.Duration(float64(c.base) / speed))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
			continue
		case <-timer.C:
			c.tick()
		}
	}
}

func (c *Clock) tick() {
	c.mu.Lock()
	c.worldTime = c.worldTime.Add(c.base)
	wt := c.worldTime
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTick(wt)
	}
}
