// Package lifecycle reports target-level transitions that invalidate
// in-flight commands without closing the underlying connection, most notably
// a frame or document being replaced.
package lifecycle

import (
	"sync"
	"time"
)

// FrameReplaced is emitted when the inspected document is swapped out.
type FrameReplaced struct {
	Old string
	New string
	At  time.Time
}

// Observer delivers FrameReplaced notifications. The returned cancel func
// removes the subscription and is safe to call more than once.
type Observer interface {
	Subscribe(fn func(FrameReplaced)) (cancel func())
}

type subscription struct {
	id uint64
	fn func(FrameReplaced)
}

// Notifier is an Observer that hosts drive directly with Notify.
// Subscribers run in registration order on the notifying goroutine.
type Notifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe implements Observer.
func (n *Notifier) Subscribe(fn func(FrameReplaced)) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

// Notify delivers ev to every current subscriber.
func (n *Notifier) Notify(ev FrameReplaced) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.Lock()
	subs := make([]subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Len returns the number of live subscriptions.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

var _ Observer = (*Notifier)(nil)
