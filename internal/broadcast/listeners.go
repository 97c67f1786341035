package broadcast

import "sync"

// registry holds long-lived listeners for one inbound event, invoked in
// registration order.
type registry[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.entries {
				if e.id == id {
					r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *registry[T]) emit(v T) {
	r.mu.Lock()
	fns := make([]func(T), len(r.entries))
	for i, e := range r.entries {
		fns[i] = e.fn
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (r *registry[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
