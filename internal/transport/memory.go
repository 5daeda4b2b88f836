package transport

import (
	"context"
	"sync"
)

// MemoryBus is an in-process broker. Every Memory client created from it
// sees the others' publishes, including its own, synchronously on the
// publishing goroutine.
type MemoryBus struct {
	mu       sync.Mutex
	subs     map[string]map[*memorySub]struct{}
	retain   bool
	retained map[string]string
}

// NewMemoryBus creates an empty broker.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[string]map[*memorySub]struct{}),
		retained: make(map[string]string),
	}
}

// SetRetain makes the bus keep the last payload per topic and replay it to
// new subscribers.
func (b *MemoryBus) SetRetain(on bool) {
	b.mu.Lock()
	b.retain = on
	if !on {
		b.retained = make(map[string]string)
	}
	b.mu.Unlock()
}

// Client returns a new disconnected client on the bus.
func (b *MemoryBus) Client() *Memory {
	return &Memory{bus: b}
}

func (b *MemoryBus) publish(topic, payload string) {
	b.mu.Lock()
	if b.retain {
		b.retained[topic] = payload
	}
	targets := make([]*memorySub, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(payload)
	}
}

func (b *MemoryBus) add(s *memorySub) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[s.topic] == nil {
		b.subs[s.topic] = make(map[*memorySub]struct{})
	}
	b.subs[s.topic][s] = struct{}{}
	payload, ok := b.retained[s.topic]
	return payload, ok
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[s.topic], s)
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}

// Memory is a Transport backed by a MemoryBus. Drop and Restore simulate an
// outage of this client only.
type Memory struct {
	bus       *MemoryBus
	listeners Listeners

	mu        sync.Mutex
	connected bool
	dropped   bool
	closed    bool
	subs      map[*memorySub]struct{}
}

var _ Transport = (*Memory)(nil)

func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "connect", Err: err}
	}
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return &Error{Op: "connect", Err: ErrClosed}
	case m.dropped:
		m.mu.Unlock()
		return &Error{Op: "connect", Err: ErrNotConnected}
	case m.connected:
		m.mu.Unlock()
		return nil
	}
	m.connected = true
	m.mu.Unlock()

	m.listeners.Emit(Connected)
	return nil
}

func (m *Memory) Subscribe(topic string, h Handler) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &Error{Op: "subscribe", Topic: topic, Err: ErrClosed}
	}
	s := &memorySub{client: m, topic: topic, handler: h}
	if m.subs == nil {
		m.subs = make(map[*memorySub]struct{})
	}
	m.subs[s] = struct{}{}
	online := m.connected && !m.dropped
	m.mu.Unlock()

	if payload, ok := m.bus.add(s); ok && online {
		s.deliver(payload)
	}
	return s, nil
}

func (m *Memory) Publish(ctx context.Context, topic, payload string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "publish", Topic: topic, Err: err}
	}
	m.mu.Lock()
	closed, online := m.closed, m.connected && !m.dropped
	m.mu.Unlock()
	if closed {
		return &Error{Op: "publish", Topic: topic, Err: ErrClosed}
	}
	if !online {
		return &Error{Op: "publish", Topic: topic, Err: ErrNotConnected}
	}
	m.bus.publish(topic, payload)
	return nil
}

func (m *Memory) OnStateChange(fn func(State)) func() {
	return m.listeners.Add(fn)
}

// Drop cuts the client off the bus. Messages published while dropped are
// lost for this client.
func (m *Memory) Drop() {
	m.mu.Lock()
	was := m.connected && !m.dropped
	m.dropped = true
	m.mu.Unlock()
	if was {
		m.listeners.Emit(Disconnected)
	}
}

// Restore reconnects a dropped client. Subscriptions are kept.
func (m *Memory) Restore() {
	m.mu.Lock()
	was := m.dropped
	m.dropped = false
	online := was && m.connected && !m.closed
	m.mu.Unlock()
	if online {
		m.listeners.Emit(Connected)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	wasOnline := m.connected && !m.dropped
	m.connected = false
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for s := range subs {
		m.bus.remove(s)
	}
	if wasOnline {
		m.listeners.Emit(Disconnected)
	}
	return nil
}

func (m *Memory) online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.dropped && !m.closed
}

type memorySub struct {
	client  *Memory
	topic   string
	handler Handler
}

func (s *memorySub) Topic() string { return s.topic }

func (s *memorySub) Unsubscribe() error {
	s.client.mu.Lock()
	delete(s.client.subs, s)
	s.client.mu.Unlock()
	s.client.bus.remove(s)
	return nil
}

func (s *memorySub) deliver(payload string) {
	if s.client.online() {
		s.handler(payload)
	}
}
