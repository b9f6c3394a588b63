// internal/store/local.go
package store

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrExists   = errors.New("key already stored")
	ErrNotFound = errors.New("value not found")
)

// Local is a concurrent map keyed by node id.
type Local[V any] struct {
	data map[uint64]V
	mu   sync.RWMutex
}

func NewLocal[V any]() *Local[V] {
	return &Local[V]{
		data: make(map[uint64]V),
	}
}

// Store fails with ErrExists rather than replacing an existing value.
func (s *Local[V]) Store(key uint64, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return ErrExists
	}
	s.data[key] = value
	return nil
}

func (s *Local[V]) Retrieve(key uint64) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.data[key]; ok {
		return value, nil
	}
	var zero V
	return zero, ErrNotFound
}

// Delete removes and returns the value stored under key.
func (s *Local[V]) Delete(key uint64) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	delete(s.data, key)
	return value, nil
}

func (s *Local[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Range calls fn in ascending key order until it returns false. fn runs
// on a snapshot, so it may call back into the store.
func (s *Local[V]) Range(fn func(key uint64, value V) bool) {
	s.mu.RLock()
	keys := make([]uint64, 0, len(s.data))
	values := make(map[uint64]V, len(s.data))
	for k, v := range s.data {
		keys = append(keys, k)
		values[k] = v
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if !fn(k, values[k]) {
			return
		}
	}
}
