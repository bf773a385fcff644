// Package memory provides in-process implementations of the storage and
// session history interfaces for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Jabawack/bay-area-radar/internal/storage"
)

// BlobStore stores objects in-memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject reads r fully and stores a private copy.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	byteData, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	s.mu.Lock()
	s.data[path] = byteData
	s.mu.Unlock()
	return "memory://" + path, nil
}

// GetObject returns a copy of the stored object.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, storage.ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
