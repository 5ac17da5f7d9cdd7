package bus

import "sync"

const subscriberBuffer = 1024

// Hub is a process-wide registry of named channels. Every engine instance
// of one origin resolves the same channel from the same hub, which is what
// makes local fan-out reach contexts that did not originate a publish.
//
// Tests substitute a private `NewHub()` for the shared one.
type Hub struct {
	lk       sync.Mutex
	channels map[string]*channel
}

var shared = NewHub()

// Shared returns the process-wide default hub.
func Shared() *Hub {
	return shared
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]*channel)}
}

// Channel resolves a named channel, creating it on first use, and returns a
// handle scoped to the caller: closing the handle cancels only the
// subscriptions made through it.
func (h *Hub) Channel(name string) *Memory {
	h.lk.Lock()
	defer h.lk.Unlock()
	ch, has := h.channels[name]
	if !has {
		ch = &channel{
			name: name,
			subs: make(map[uint64]*subscriber),
		}
		h.channels[name] = ch
	}
	return &Memory{channel: ch}
}

var _ Bus = (*Memory)(nil)

// Memory is one instance's handle on an in-process channel.
type Memory struct {
	channel *channel

	lk     sync.Mutex
	closed bool
	owned  []uint64
}

func (m *Memory) Publish(env Envelope) error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return ErrBusClosed
	}
	m.lk.Unlock()

	m.channel.publish(env)
	return nil
}

func (m *Memory) Subscribe(handler Handler) (func(), error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil, ErrBusClosed
	}

	id := m.channel.subscribe(handler)
	m.owned = append(m.owned, id)
	return func() { m.channel.unsubscribe(id) }, nil
}

func (m *Memory) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, id := range m.owned {
		m.channel.unsubscribe(id)
	}
	m.owned = nil
	return nil
}

type channel struct {
	name string

	lk     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

func (c *channel) publish(env Envelope) {
	c.lk.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.lk.Unlock()

	for _, sub := range subs {
		sub.offer(env)
	}
}

func (c *channel) subscribe(handler Handler) uint64 {
	sub := &subscriber{
		handler: handler,
		queue:   make(chan Envelope, subscriberBuffer),
		closeCh: make(chan struct{}),
	}
	go sub.run()

	c.lk.Lock()
	defer c.lk.Unlock()
	c.nextID++
	c.subs[c.nextID] = sub
	return c.nextID
}

func (c *channel) unsubscribe(id uint64) {
	c.lk.Lock()
	sub, has := c.subs[id]
	if has {
		delete(c.subs, id)
	}
	c.lk.Unlock()
	if has {
		sub.close()
	}
}

// subscriber drains its queue on a single goroutine, which preserves the
// FIFO order a single publisher produces.
type subscriber struct {
	handler   Handler
	queue     chan Envelope
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) run() {
	for {
		select {
		case env := <-s.queue:
			s.handler(env)
		case <-s.closeCh:
			return
		}
	}
}

// offer never blocks: when the subscriber queue is full the envelope is
// dropped, delivery being best-effort.
func (s *subscriber) offer(env Envelope) {
	select {
	case s.queue <- env:
	case <-s.closeCh:
	default:
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
}
