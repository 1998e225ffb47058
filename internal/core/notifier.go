package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// Notifier is an observer list. Subscribers run synchronously in registration
// order; a panicking subscriber is logged and does not stop delivery to the rest.
type Notifier[E any] struct {
	module string

	mu   sync.Mutex
	next uint64
	subs []subscriber[E]
}

func NewNotifier[E any](module string) *Notifier[E] {
	return &Notifier[E]{module: module}
}

// Subscribe registers fn and returns a func that removes it.
func (n *Notifier[E]) Subscribe(fn func(E)) func() {
	n.mu.Lock()
	n.next++
	id := n.next
	n.subs = append(n.subs, subscriber[E]{id: id, fn: fn})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

func (n *Notifier[E]) Emit(e E) {
	n.mu.Lock()
	subs := make([]subscriber[E], len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, s := range subs {
		n.deliver(s, e)
	}
}

func (n *Notifier[E]) deliver(s subscriber[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", n.module).Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	s.fn(e)
}

// Clear detaches every subscriber.
func (n *Notifier[E]) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = nil
}

func (n *Notifier[E]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
