package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes events delivered by the bus. Implementations must be
// comparable values (typically pointers), since unsubscription matches
// handlers by identity.
type Handler interface {
	HandleEvent(e Event)
}

// Client is anything that can be attached to a bus. Components embed
// Publisher to satisfy it.
type Client interface {
	AttachBus(b *Bus)
}

// Publisher is an embeddable helper giving a component a nil-safe Publish.
// A zero Publisher publishes into the void until attached to a bus.
type Publisher struct {
	bus *Bus
}

// AttachBus implements Client.
func (p *Publisher) AttachBus(b *Bus) { p.bus = b }

// Bus returns the attached bus, or nil.
func (p *Publisher) Bus() *Bus { return p.bus }

// Publish forwards e to the attached bus, if any.
func (p *Publisher) Publish(e Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

// subscription owns the delivery queue and dispatch goroutine of one handler.
// A single queue per handler keeps delivery FIFO regardless of how many
// routing keys the handler is registered under.
type subscription struct {
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscription(h Handler) *subscription {
	s := &subscription{handler: h}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) enqueue(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Signal()
}

// loop dispatches queued events until closed, draining the remaining queue
// before returning.
func (s *subscription) loop(logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(logger, e)
	}
}

// deliver invokes the handler, isolating panics so one broken subscriber
// cannot stall the rest of the system.
func (s *subscription) deliver(logger *slog.Logger, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event subscriber panicked",
				slog.String("subscriber", fmt.Sprintf("%T", s.handler)),
				slog.String("event", string(e.EventType())),
				slog.Any("panic", r),
			)
		}
	}()
	s.handler.HandleEvent(e)
}

// Bus routes events from publishers to subscribers by type and category.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	byKey  map[Type][]*subscription
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		byKey:  make(map[Type][]*subscription),
	}
}

// Connect attaches publishers to the bus.
func (b *Bus) Connect(clients ...Client) {
	for _, c := range clients {
		c.AttachBus(b)
	}
}

// Subscribe registers h for the given routing keys. Registering the same
// handler under both a concrete type and its category delivers matching
// events once per registration.
func (b *Bus) Subscribe(h Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := b.findLocked(h)
	if sub == nil {
		sub = newSubscription(h)
		b.subs = append(b.subs, sub)
		b.wg.Add(1)
		go sub.loop(b.logger, &b.wg)
	}

	for _, t := range types {
		b.byKey[t] = append(b.byKey[t], sub)
	}
}

// Unsubscribe removes one registration of h per given routing key. When no
// registrations remain, the handler's dispatch goroutine is stopped after
// draining.
func (b *Bus) Unsubscribe(h Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.findLocked(h)
	if sub == nil {
		return
	}

	for _, t := range types {
		regs := b.byKey[t]
		for i, s := range regs {
			if s == sub {
				b.byKey[t] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
		if len(b.byKey[t]) == 0 {
			delete(b.byKey, t)
		}
	}

	if !b.registeredLocked(sub) {
		b.removeLocked(sub)
		sub.close()
	}
}

// Publish schedules delivery of e to every matching registration and
// returns without waiting for handlers. Delivery order per subscriber
// follows publish order.
func (b *Bus) Publish(e Event) {
	keys := routingKeys(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, key := range keys {
		for _, sub := range b.byKey[key] {
			sub.enqueue(e)
		}
	}
}

// Close stops all dispatch goroutines after their queues drain. Publishes
// after Close are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.byKey = make(map[Type][]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}

// routingKeys returns the concrete type followed by its category, if any.
func routingKeys(e Event) []Type {
	if cat := e.EventCategory(); cat != "" {
		return []Type{e.EventType(), cat}
	}
	return []Type{e.EventType()}
}

func (b *Bus) findLocked(h Handler) *subscription {
	for _, sub := range b.subs {
		if sub.handler == h {
			return sub
		}
	}
	return nil
}

func (b *Bus) registeredLocked(sub *subscription) bool {
	for _, regs := range b.byKey {
		for _, s := range regs {
			if s == sub {
				return true
			}
		}
	}
	return false
}

func (b *Bus) removeLocked(sub *subscription) {
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}
