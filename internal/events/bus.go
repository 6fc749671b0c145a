// Package events provides the typed observer used by every engine
// component to publish state changes.
package events

import (
	"sync"
)

// Bus delivers values of type T to subscribed handlers. Handlers run on the
// publishing goroutine, outside the bus lock, in subscription order.
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
	order    []uint64
	closed   bool
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || fn == nil {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[id]; !ok {
		return
	}
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish calls every current handler with v.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	fns := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of subscribed handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Close drops every handler. Later Subscribe and Publish calls are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[uint64]func(T))
	b.order = nil
}

// Group collects unsubscribe functions so a view can release all of its
// listeners at once.
type Group struct {
	mu   sync.Mutex
	fns  []func()
	done bool
}

// Add registers an unsubscribe function. If the group was already closed
// fn runs immediately.
func (g *Group) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		fn()
		return
	}
	g.fns = append(g.fns, fn)
	g.mu.Unlock()
}

// Close runs every registered function in reverse order.
func (g *Group) Close() {
	g.mu.Lock()
	fns := g.fns
	g.fns = nil
	g.done = true
	g.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
