// Package memstore implements an in-memory remote.Store, used by tests and
// by the end-to-end harness so backup scenarios run without a network
// dependency.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vaultback/vaultback/internal/vaulterr"
)

// Store is a goroutine-safe in-memory object store.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	closed  bool

	// Puts counts successful Put calls, useful for asserting idempotent
	// compaction and dedup properties in tests.
	Puts int
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vaulterr.ErrStoreClosed
	}
	if _, ok := s.objects[name]; ok {
		return vaulterr.ErrObjectExists
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[name] = cp
	s.Puts++
	return nil
}

func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, vaulterr.ErrStoreClosed
	}
	data, ok := s.objects[name]
	if !ok {
		return nil, vaulterr.ErrObjectNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, vaulterr.ErrStoreClosed
	}
	var names []string
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vaulterr.ErrStoreClosed
	}
	delete(s.objects, name)
	return nil
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, vaulterr.ErrStoreClosed
	}
	_, ok := s.objects[name]
	return ok, nil
}

// Close marks the store closed; subsequent calls fail with
// vaulterr.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len reports the number of stored objects, for test assertions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
