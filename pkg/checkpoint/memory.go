package checkpoint

import (
	"context"
	"sync"

	"github.com/jdziat/docpipe/pkg/core"
)

// MemoryBlobs is an in-process core.BlobStore.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobs creates an empty in-memory blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

// PutBlob stores a copy of data unless key already exists.
func (m *MemoryBlobs) PutBlob(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blobs[key]; exists {
		return nil
	}
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

// GetBlob returns a copy of the payload under key.
func (m *MemoryBlobs) GetBlob(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, core.ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

// DeleteBlobs removes keys. Missing keys are ignored.
func (m *MemoryBlobs) DeleteBlobs(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.blobs, k)
	}
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBlobs) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Tamper overwrites the stored bytes for key in place. It exists so tests can
// simulate on-disk corruption; the write-once rule is bypassed.
func (m *MemoryBlobs) Tamper(key string, fn func([]byte) []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return false
	}
	m.blobs[key] = fn(append([]byte(nil), data...))
	return true
}
