package events

import (
	"sort"
	"sync"
)

// Observer receives events. A returned error is logged and otherwise ignored.
type Observer func(Event) error

// LogObserver adapts fn to receive only log messages.
func LogObserver(fn func(LogMessage) error) Observer {
	return func(e Event) error {
		if m, ok := e.(LogMessage); ok {
			return fn(m)
		}
		return nil
	}
}

// ClustersObserver adapts fn to receive only filtered cluster updates.
func ClustersObserver(fn func(ClustersEvent) error) Observer {
	return func(e Event) error {
		if c, ok := e.(ClustersEvent); ok {
			return fn(c)
		}
		return nil
	}
}

// ProgressObserver adapts fn to receive only progress updates.
func ProgressObserver(fn func(ProgressEvent) error) Observer {
	return func(e Event) error {
		if p, ok := e.(ProgressEvent); ok {
			return fn(p)
		}
		return nil
	}
}

type subscriber struct {
	id       uint64
	observer Observer
}

// Registry maps subscriber ids to observers. Observers are called in the
// order they subscribed.
type Registry struct {
	mu        sync.RWMutex
	next      uint64
	observers map[uint64]Observer
}

func NewRegistry() *Registry {
	return &Registry{observers: make(map[uint64]Observer)}
}

// Add registers fn and returns its subscriber id.
func (r *Registry) Add(fn Observer) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.observers[r.next] = fn
	return r.next
}

// Remove unregisters id. It reports whether id was registered.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.observers[id]
	delete(r.observers, id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

func (r *Registry) snapshot() []subscriber {
	r.mu.RLock()
	out := make([]subscriber, 0, len(r.observers))
	for id, fn := range r.observers {
		out = append(out, subscriber{id: id, observer: fn})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
