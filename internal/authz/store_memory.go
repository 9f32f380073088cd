package authz

import (
	"context"
	"sync"

	"github.com/signato/platform/internal/shared/errors"
	"github.com/signato/platform/internal/shared/types"
)

// MemoryTupleStore keeps relationship tuples in memory.
type MemoryTupleStore struct {
	mu     sync.RWMutex
	tuples []Tuple

	// Unavailable makes every call fail, for failure-mode tests.
	Unavailable bool
}

// NewMemoryTupleStore creates an in-memory tuple store
func NewMemoryTupleStore() *MemoryTupleStore {
	return &MemoryTupleStore{}
}

func sameEdge(a, b Tuple) bool {
	return a.Subject == b.Subject && a.Relation == b.Relation && a.Object == b.Object
}

// Write stores a tuple, idempotently
func (s *MemoryTupleStore) Write(ctx context.Context, tuple Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return errors.DependencyUnavailable("relationship store", errors.ErrInternal)
	}
	for _, existing := range s.tuples {
		if sameEdge(existing, tuple) {
			return nil
		}
	}
	s.tuples = append(s.tuples, tuple)
	return nil
}

// Delete removes a tuple
func (s *MemoryTupleStore) Delete(ctx context.Context, tuple Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return errors.DependencyUnavailable("relationship store", errors.ErrInternal)
	}
	for i, existing := range s.tuples {
		if sameEdge(existing, tuple) {
			s.tuples = append(s.tuples[:i], s.tuples[i+1:]...)
			return nil
		}
	}
	return nil
}

// ListBySubject returns all tuples where the subject appears
func (s *MemoryTupleStore) ListBySubject(ctx context.Context, subject Subject) ([]Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Unavailable {
		return nil, errors.DependencyUnavailable("relationship store", errors.ErrInternal)
	}
	var result []Tuple
	for _, t := range s.tuples {
		if t.Subject == subject {
			result = append(result, t)
		}
	}
	return result, nil
}

// ListByObject returns all tuples on an object
func (s *MemoryTupleStore) ListByObject(ctx context.Context, object Object) ([]Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Unavailable {
		return nil, errors.DependencyUnavailable("relationship store", errors.ErrInternal)
	}
	var result []Tuple
	for _, t := range s.tuples {
		if t.Object == object {
			result = append(result, t)
		}
	}
	return result, nil
}

// ListObjects returns object ids of a type where the subject holds any
// of the relations
func (s *MemoryTupleStore) ListObjects(ctx context.Context, subject Subject, relations []Relation, objectType ObjectType) ([]types.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Unavailable {
		return nil, errors.DependencyUnavailable("relationship store", errors.ErrInternal)
	}
	wanted := make(map[Relation]bool, len(relations))
	for _, r := range relations {
		wanted[r] = true
	}
	seen := make(map[types.ID]bool)
	var result []types.ID
	for _, t := range s.tuples {
		if t.Subject == subject && t.Object.Type == objectType && wanted[t.Relation] && !seen[t.Object.ID] {
			seen[t.Object.ID] = true
			result = append(result, t.Object.ID)
		}
	}
	return result, nil
}

var _ TupleStore = (*MemoryTupleStore)(nil)

// MemoryAttributeStore keeps object attributes in memory.
type MemoryAttributeStore struct {
	mu    sync.RWMutex
	attrs map[string]map[string]string
}

// NewMemoryAttributeStore creates an in-memory attribute store
func NewMemoryAttributeStore() *MemoryAttributeStore {
	return &MemoryAttributeStore{attrs: make(map[string]map[string]string)}
}

// Set records an attribute value
func (s *MemoryAttributeStore) Set(ctx context.Context, object Object, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.attrs[object.String()]
	if !ok {
		m = make(map[string]string)
		s.attrs[object.String()] = m
	}
	m[key] = value
	return nil
}

// GetAll returns all attributes of an object
func (s *MemoryAttributeStore) GetAll(ctx context.Context, object Object) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string)
	for k, v := range s.attrs[object.String()] {
		result[k] = v
	}
	return result, nil
}

var _ AttributeStore = (*MemoryAttributeStore)(nil)
