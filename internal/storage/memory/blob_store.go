// Package memory provides in-memory blob and record storage for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	reads atomic.Int64
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, body io.Reader) (string, error) {
	byteData, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	return fmt.Sprintf("memory://%s", path), nil
}

// GetObject returns a copy of the stored content.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("memory://%s: %w", path, crawler.ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Reads reports how many GetObject calls were made.
func (s *BlobStore) Reads() int64 {
	return s.reads.Load()
}

// Keys lists stored paths.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
