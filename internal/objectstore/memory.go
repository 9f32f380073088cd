package objectstore

import (
	"context"
	"sync"
	"time"

	"github.com/signato/platform/internal/shared/errors"
)

// MemoryStore is an in-memory blob store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Ref]memoryBlob
}

type memoryBlob struct {
	content   []byte
	mediaType string
	createdAt time.Time
}

// NewMemoryStore creates an in-memory blob store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Ref]memoryBlob)}
}

// Put stores content, idempotently for identical bytes
func (s *MemoryStore) Put(ctx context.Context, content []byte, mediaType string) (Ref, error) {
	ref := NewRef(content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[ref]; !exists {
		stored := make([]byte, len(content))
		copy(stored, content)
		s.blobs[ref] = memoryBlob{
			content:   stored,
			mediaType: mediaType,
			createdAt: time.Now().UTC(),
		}
	}
	return ref, nil
}

// Get returns the content for a ref
func (s *MemoryStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[ref]
	if !ok {
		return nil, errors.NotFound("object", ref.String())
	}
	out := make([]byte, len(blob.content))
	copy(out, blob.content)
	return out, nil
}

// Stat returns blob metadata
func (s *MemoryStore) Stat(ctx context.Context, ref Ref) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[ref]
	if !ok {
		return nil, errors.NotFound("object", ref.String())
	}
	return &Object{
		Ref:       ref,
		MediaType: blob.mediaType,
		Size:      int64(len(blob.content)),
		CreatedAt: blob.createdAt,
	}, nil
}

var _ Store = (*MemoryStore)(nil)
