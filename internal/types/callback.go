package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager keeps an ordered set of callbacks.
// The zero value is ready to use.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callback[T]
	nextID uint64
}

type callback[T any] struct {
	id uint64
	fn T
}

// Len returns the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns a function that removes it.
// The returned function is idempotent.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.cbs = append(m.cbs, callback[T]{id, fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.cbs = slices.DeleteFunc(m.cbs, func(cb callback[T]) bool { return cb.id == id })
		m.mu.Unlock()
	}
}

// All iterates over a snapshot of callbacks in registration order.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		cbs := slices.Clone(m.cbs)
		m.mu.RUnlock()

		for _, cb := range cbs {
			if !yield(cb.fn) {
				return
			}
		}
	}
}
