package station

import "sync"

// Observer is called with the previous and the new value of a Subject.
type Observer[T any] func(old, new T)

type observerEntry[T any] struct {
	id    uint64
	fn    Observer[T]
	async bool
}

// Subject holds a value and notifies registered observers when it changes.
// Synchronous observers run on the caller of Set, in registration order.
// Asynchronous observers each run on their own goroutine.
type Subject[T any] struct {
	mu        sync.RWMutex
	value     T
	nextID    uint64
	observers []observerEntry[T]
}

// NewSubject returns a Subject holding initial.
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{value: initial}
}

// Get returns the current value.
func (s *Subject[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set stores v and notifies observers.
func (s *Subject[T]) Set(v T) {
	s.mu.Lock()
	old := s.value
	s.value = v
	observers := append([]observerEntry[T](nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		if o.async {
			go o.fn(old, v)
			continue
		}
		o.fn(old, v)
	}
}

// Observe registers a synchronous observer. The returned func removes it.
func (s *Subject[T]) Observe(fn Observer[T]) (cancel func()) {
	return s.add(fn, false)
}

// ObserveAsync registers an observer that is invoked on a new goroutine.
func (s *Subject[T]) ObserveAsync(fn Observer[T]) (cancel func()) {
	return s.add(fn, true)
}

func (s *Subject[T]) add(fn Observer[T], async bool) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observerEntry[T]{id: id, fn: fn, async: async})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}
