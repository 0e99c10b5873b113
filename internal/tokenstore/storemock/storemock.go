// Package storemock provides an in-memory token store for tests.
package storemock

import (
	"context"
	"sync"

	"github.com/hostelmate/session-manager/internal/serviceerr"
	"github.com/hostelmate/session-manager/internal/tokenstore"
)

type StoreOption func(*Store)

type Store struct {
	mu     sync.Mutex
	values map[string]string

	getErr, setErr, deleteErr error
}

var _ = tokenstore.Store(&Store{})

func WithValue(key, value string) StoreOption {
	return func(s *Store) { s.values[key] = value }
}
func WithGetError(err error) StoreOption {
	return func(s *Store) { s.getErr = err }
}
func WithSetError(err error) StoreOption {
	return func(s *Store) { s.setErr = err }
}
func WithDeleteError(err error) StoreOption {
	return func(s *Store) { s.deleteErr = err }
}

func New(opts ...StoreOption) *Store {
	s := &Store{values: make(map[string]string)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.values[key]
	if !ok {
		return "", serviceerr.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.values, key)
	return nil
}

// Has reports whether a key is currently stored; used by assertions.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}
