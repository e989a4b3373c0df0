package events

import (
	"sync"
	"sync/atomic"
)

// Kind identifies what an event carries
type Kind string

const (
	KindCAT        Kind = "cat"
	KindConnection Kind = "connection"
	KindSpectrum   Kind = "spectrum"
	KindBoundary   Kind = "boundary"
	KindFilter     Kind = "filter"
	KindAudioMode  Kind = "audio_mode"
	KindAudio      Kind = "audio"
	KindSettings   Kind = "audio_settings"
	KindPTT        Kind = "ptt"
)

// Event is published by a session. Generation identifies the session instance
// that produced it so consumers can discard traffic from a replaced session.
type Event struct {
	Kind       Kind
	RadioID    string
	Generation uint64
	Payload    interface{}
}

// Subscription receives events until Close is called
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events were discarded because the subscriber lagged
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full loses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given buffer size
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber without blocking
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publisher stamps events with the producing session's identity
type Publisher struct {
	bus        *Bus
	radioID    string
	generation uint64
}

// NewPublisher binds a bus to a session identity
func NewPublisher(bus *Bus, radioID string, generation uint64) *Publisher {
	return &Publisher{bus: bus, radioID: radioID, generation: generation}
}

// Publish sends a payload of the given kind
func (p *Publisher) Publish(kind Kind, payload interface{}) {
	if p == nil || p.bus == nil {
		return
	}
	p.bus.Publish(Event{Kind: kind, RadioID: p.radioID, Generation: p.generation, Payload: payload})
}

// Generation returns the session generation stamped on events
func (p *Publisher) Generation() uint64 {
	return p.generation
}
