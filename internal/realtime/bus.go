package realtime

import (
	"sync"
	"time"
)

// Event kinds pushed to observers.
const (
	KindAgentUpdate = "agent_update"
	KindWorldEvent  = "world_event"
	KindChat        = "chat"
	KindSimulation  = "simulation"
)

// Event is one observable occurrence fanned out to WebSocket, SSE and
// (optionally) a Redis stream.
type Event struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`

	// relayed marks events that arrived from another instance, so the
	// Redis bridge does not echo them back into the stream.
	relayed bool
}

// Bus is the in-process fan-out. Slow subscribers drop events instead of
// blocking publishers; the simulation never waits on an observer.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that can keep up.
func (b *Bus) Publish(kind string, data interface{}) {
	b.deliver(Event{Kind: kind, Data: data, At: time.Now()})
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
