package dispatch

import (
	"sync"
	"sync/atomic"
)

// registry maps a channel name to an ordered list of handler entries.
// Mutations (register/unregister) and reads (snapshot) are race-free
// under a single mutex; the low mutation rate makes a plain mutex
// sufficient per spec.md 5. Snapshotting returns a copy so a handler
// unregistering itself mid-dispatch (the sendRequest one-shot handler)
// or registering a new handler never invalidates an in-progress
// iteration.
type registry struct {
	mu       sync.Mutex
	handlers map[string][]*handlerEntry
	nextID   uint64
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]*handlerEntry)}
}

func (r *registry) register(channel string, fn HandlerFunc, responding bool) UnregisterFunc {
	id := atomic.AddUint64(&r.nextID, 1)
	entry := &handlerEntry{id: id, fn: fn, responding: responding}

	r.mu.Lock()
	r.handlers[channel] = append(r.handlers[channel], entry)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unregister(channel, id) })
	}
}

func (r *registry) unregister(channel string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[channel]
	for i, e := range list {
		if e.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.handlers, channel)
	} else {
		r.handlers[channel] = list
	}
}

// snapshot returns a copy of the handler list for channel, safe to
// iterate without holding the registry lock.
func (r *registry) snapshot(channel string) []*handlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[channel]
	if len(list) == 0 {
		return nil
	}
	out := make([]*handlerEntry, len(list))
	copy(out, list)
	return out
}

// inspect returns channel -> handler count, the read-only inspection
// hook SPEC_FULL.md §C adds so tests can observe registry cleanup after
// unregister without relying on dispatch side effects.
func (r *registry) inspect() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.handlers))
	for ch, list := range r.handlers {
		out[ch] = len(list)
	}
	return out
}

// eventRegistry maps an EventKind to an ordered list of callbacks,
// with the same snapshot-then-iterate discipline as registry.
type eventRegistry struct {
	mu       sync.Mutex
	handlers map[EventKind][]*eventEntry
	nextID   uint64
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{handlers: make(map[EventKind][]*eventEntry)}
}

func (r *eventRegistry) register(kind EventKind, fn EventFunc) UnregisterFunc {
	id := atomic.AddUint64(&r.nextID, 1)
	entry := &eventEntry{id: id, fn: fn}

	r.mu.Lock()
	r.handlers[kind] = append(r.handlers[kind], entry)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unregister(kind, id) })
	}
}

func (r *eventRegistry) unregister(kind EventKind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[kind]
	for i, e := range list {
		if e.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.handlers, kind)
	} else {
		r.handlers[kind] = list
	}
}

func (r *eventRegistry) snapshot(kind EventKind) []*eventEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[kind]
	if len(list) == 0 {
		return nil
	}
	out := make([]*eventEntry, len(list))
	copy(out, list)
	return out
}

func (r *eventRegistry) inspect() map[EventKind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[EventKind]int, len(r.handlers))
	for k, list := range r.handlers {
		out[k] = len(list)
	}
	return out
}
