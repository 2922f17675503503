// Package memstore is an in-memory storage provider for tests. A single
// instance shared between simulated devices stands in for the real remote.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/maren/divvy/internal/storage"
)

func init() {
	storage.Register(storage.Plugin{
		Name: "mem",
		Loader: func(ctx context.Context) (storage.Provider, error) {
			return New(), nil
		},
	})
}

// Store holds blobs and pointers in maps.
type Store struct {
	mu      sync.RWMutex
	content map[string][]byte
	ptr     map[string]string

	// FailUploads makes writes fail, for exercising publish retry paths.
	FailUploads bool
}

func New() *Store {
	return &Store{
		content: make(map[string][]byte),
		ptr:     make(map[string]string),
	}
}

func (s *Store) Upload(ctx context.Context, address string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUploads {
		return fmt.Errorf("memstore: uploads disabled")
	}
	if _, ok := s.content[address]; ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.content[address] = cp
	return nil
}

func (s *Store) Fetch(ctx context.Context, address string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.content[address]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", address, storage.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *Store) Publish(ctx context.Context, name, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUploads {
		return fmt.Errorf("memstore: uploads disabled")
	}
	s.ptr[name] = address
	return nil
}

func (s *Store) Resolve(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.ptr[name]
	if !ok {
		return "", fmt.Errorf("resolve %s: %w", name, storage.ErrNotFound)
	}
	return addr, nil
}

// DropPointer unpublishes a pointer, simulating a peer that vanished.
func (s *Store) DropPointer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ptr, name)
}

// ContentCount returns how many blobs are stored.
func (s *Store) ContentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.content)
}

var _ storage.Provider = (*Store)(nil)
