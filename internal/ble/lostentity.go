package ble

import "sync"

// LostEntityTracker implements the passive found/lost algorithm: entities
// re-sighted between two consecutive sweeps survive; anything seen in the
// previous window but not the current one is declared lost.
type LostEntityTracker[T comparable] struct {
	mu sync.Mutex

	current  map[T]struct{}
	previous map[T]struct{}
}

// NewLostEntityTracker returns an empty tracker.
func NewLostEntityTracker[T comparable]() *LostEntityTracker[T] {
	return &LostEntityTracker[T]{
		current:  make(map[T]struct{}),
		previous: make(map[T]struct{}),
	}
}

// RecordFoundEntity marks an entity as seen in the current window.
func (t *LostEntityTracker[T]) RecordFoundEntity(entity T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[entity] = struct{}{}
}

// ComputeLostEntities closes the current window: entities present in the
// previous window but absent from this one are returned as lost, and the
// windows roll over.
func (t *LostEntityTracker[T]) ComputeLostEntities() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lost []T
	for entity := range t.previous {
		if _, ok := t.current[entity]; !ok {
			lost = append(lost, entity)
		}
	}
	t.previous = t.current
	t.current = make(map[T]struct{})
	return lost
}
