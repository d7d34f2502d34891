package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager keeps an ordered set of registered callbacks.
// Registration returns a remove function; iteration yields callbacks in
// registration order without holding the lock.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	ids    []int
	cbs    map[int]T
	nextID int
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.cbs == nil {
		m.cbs = make(map[int]T)
	}
	m.ids = append(m.ids, id)
	m.cbs[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.cbs[id]; ok {
				delete(m.cbs, id)
				if i := slices.Index(m.ids, id); i >= 0 {
					m.ids = slices.Delete(m.ids, i, i+1)
				}
			}
			m.mu.Unlock()
		})
	}
}

func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		callbacks := make([]T, 0, len(m.ids))
		for _, id := range m.ids {
			callbacks = append(callbacks, m.cbs[id])
		}
		m.mu.RUnlock()

		for _, cb := range callbacks {
			if !yield(cb) {
				return
			}
		}
	}
}
