package debugger

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"debugbridge/internal/transport"
)

// Notification is delivered to subscribers. It is either an Event or a
// Detached.
type Notification interface {
	notification()
}

// Event is a protocol event forwarded unmodified from the target.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// Detached reports the end of an attachment. Involuntary is true when the
// target went away rather than the caller detaching.
type Detached struct {
	Target      transport.Target
	Reason      error
	Involuntary bool
	Cause       error
}

func (Event) notification()    {}
func (Detached) notification() {}

// Subscriber receives notifications on the delivery goroutine. It must not
// block; use NewEventChannel to hand notifications to another goroutine.
type Subscriber interface {
	Notify(n Notification)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(n Notification)

// Notify calls f(n).
func (f SubscriberFunc) Notify(n Notification) {
	f(n)
}

type subscriberEntry struct {
	id  uint64
	sub Subscriber
}

// subscriberList holds subscribers in registration order.
type subscriberList struct {
	mu      sync.Mutex
	nextID  uint64
	entries []subscriberEntry
}

func (l *subscriberList) add(sub Subscriber) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.entries = append(l.entries, subscriberEntry{id: l.nextID, sub: sub})
	return l.nextID
}

func (l *subscriberList) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *subscriberList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func (l *subscriberList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// publish invokes a snapshot of the list so subscribers may (un)subscribe
// from inside Notify.
func (l *subscriberList) publish(n Notification) {
	l.mu.Lock()
	entries := make([]subscriberEntry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		e.sub.Notify(n)
	}
}

// Subscription is returned by Session.Subscribe.
type Subscription struct {
	list *subscriberList
	id   uint64
	once sync.Once
}

// Unsubscribe removes the subscriber. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.list.remove(s.id) })
}

// EventChannel is a Subscriber that buffers notifications in a channel and
// drops them when the buffer is full, so the delivery path never blocks.
type EventChannel struct {
	ch      chan Notification
	dropped atomic.Uint64
}

// NewEventChannel creates an EventChannel with the given buffer size.
func NewEventChannel(size int) *EventChannel {
	if size <= 0 {
		size = 1
	}
	return &EventChannel{ch: make(chan Notification, size)}
}

// Notify implements Subscriber. A Detached notification evicts the oldest
// buffered entry rather than being dropped itself.
func (c *EventChannel) Notify(n Notification) {
	if _, ok := n.(Detached); ok {
		for {
			select {
			case c.ch <- n:
				return
			default:
			}
			select {
			case <-c.ch:
				c.dropped.Add(1)
			default:
			}
		}
	}
	select {
	case c.ch <- n:
	default:
		c.dropped.Add(1)
	}
}

// C returns the receive side of the buffer.
func (c *EventChannel) C() <-chan Notification {
	return c.ch
}

// Dropped returns how many notifications were discarded on overflow.
func (c *EventChannel) Dropped() uint64 {
	return c.dropped.Load()
}
