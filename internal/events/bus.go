// Package events provides a small synchronous publish/subscribe bus that
// collections, queues and the orchestrator compose to notify each other.
package events

import "sync"

// Handler receives the arguments passed to Trigger.
type Handler func(args ...any)

// Binding identifies a registered handler so it can be removed again.
type Binding struct {
	event string
	id    uint64
}

// Observable is implemented by anything that exposes named events.
type Observable interface {
	Bind(event string, handler Handler) Binding
	Unbind(b Binding)
	Trigger(event string, args ...any)
}

type registration struct {
	id      uint64
	handler Handler
}

// Bus is the default Observable implementation. The zero value is ready to
// use. Handlers run synchronously on the goroutine calling Trigger, in the
// order they were bound.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]registration
}

// Bind registers handler for event.
func (b *Bus) Bind(event string, handler Handler) Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]registration)
	}
	b.nextID++
	b.handlers[event] = append(b.handlers[event], registration{id: b.nextID, handler: handler})
	return Binding{event: event, id: b.nextID}
}

// Unbind removes a handler previously returned by Bind. Unknown bindings are
// ignored.
func (b *Bus) Unbind(binding Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[binding.event]
	for i, r := range regs {
		if r.id == binding.id {
			b.handlers[binding.event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Trigger calls every handler bound to event. The handler list is copied
// before dispatch, so handlers may bind or unbind without affecting the
// current round.
func (b *Bus) Trigger(event string, args ...any) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[event]))
	copy(regs, b.handlers[event])
	b.mu.RUnlock()

	for _, r := range regs {
		r.handler(args...)
	}
}

// Count returns the number of handlers bound to event.
func (b *Bus) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}
