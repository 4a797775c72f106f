// Package keylock provides per-key mutual exclusion.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set hands out one mutex per key and drops it once nobody holds or waits for it.
type Set[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

func New[K comparable]() *Set[K] {
	return &Set[K]{locks: make(map[K]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (s *Set[K]) Lock(key K) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[K]*entry)
	}
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// TryLock returns (nil, false) when key is already held.
func (s *Set[K]) TryLock(key K) (func(), bool) {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[K]*entry)
	}
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	if !e.mu.TryLock() {
		s.mu.Unlock()
		return nil, false
	}
	e.refs++
	s.mu.Unlock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, true
}

// Len reports how many keys currently have a live mutex.
func (s *Set[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
