package cache

import (
	"fmt"
	"sync"
	"time"

	"tikzmotion/internal/frame"
)

// MemoryStore implements Store in memory. Useful for tests and for
// runs with caching disabled but a uniform pipeline code path.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[frame.ContentHash]Entry
	boxes   map[frame.ContentHash]frame.BoundingBox
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[frame.ContentHash]Entry),
		boxes:   make(map[frame.ContentHash]frame.BoundingBox),
	}
}

// Lookup returns the entry for hash.
func (m *MemoryStore) Lookup(hash frame.ContentHash) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	return e, ok
}

// Store records the artifact path verbatim; the in-memory store does not
// copy artifact bytes.
func (m *MemoryStore) Store(spec frame.Spec, artifactPath string, meta Metadata) (string, error) {
	if artifactPath == "" {
		return "", fmt.Errorf("empty artifact path")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[spec.Hash] = Entry{
		Hash:         spec.Hash,
		ArtifactPath: artifactPath,
		Engine:       meta.Engine,
		CompileTime:  meta.CompileTime,
		CreatedAt:    time.Now(),
	}
	return artifactPath, nil
}

// LookupBox returns a stored bounding box.
func (m *MemoryStore) LookupBox(hash frame.ContentHash) (frame.BoundingBox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boxes[hash]
	return b, ok
}

// StoreBox records a bounding box.
func (m *MemoryStore) StoreBox(hash frame.ContentHash, box frame.BoundingBox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[hash] = box
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
