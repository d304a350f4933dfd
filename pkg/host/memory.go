package host

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type assocKey struct {
	namespace string
	entityID  string
}

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu           sync.RWMutex
	associations map[assocKey]map[string][]byte
	state        map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		associations: make(map[assocKey]map[string][]byte),
		state:        make(map[string][]byte),
	}
}

// SetAssociation implements AssociationStore
func (s *MemoryStore) SetAssociation(ctx context.Context, namespace, entityID, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := assocKey{namespace, entityID}
	if s.associations[k] == nil {
		s.associations[k] = make(map[string][]byte)
	}
	s.associations[k][key] = raw
	return nil
}

// GetAssociation implements AssociationStore
func (s *MemoryStore) GetAssociation(ctx context.Context, namespace, entityID, key string, dest any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	raw, ok := s.associations[assocKey{namespace, entityID}][key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, decode(key, raw, dest)
}

// DeleteAssociation implements AssociationStore
func (s *MemoryStore) DeleteAssociation(ctx context.Context, namespace, entityID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assocKey{namespace, entityID}
	delete(s.associations[k], key)
	if len(s.associations[k]) == 0 {
		delete(s.associations, k)
	}
	return nil
}

// ListAssociations implements AssociationStore
func (s *MemoryStore) ListAssociations(ctx context.Context, namespace, entityID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.associations[assocKey{namespace, entityID}]))
	for key := range s.associations[assocKey{namespace, entityID}] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// CountEntities implements AssociationStore
func (s *MemoryStore) CountEntities(ctx context.Context, namespace, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for k, entries := range s.associations {
		if k.namespace != namespace {
			continue
		}
		if _, ok := entries[key]; ok {
			count++
		}
	}
	return count, nil
}

// GetState implements StateStore
func (s *MemoryStore) GetState(ctx context.Context, key string) ([]StateEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix, wildcard := IsWildcard(key)
	if !wildcard {
		raw, ok := s.state[key]
		if !ok {
			return []StateEntry{}, nil
		}
		return []StateEntry{{Name: key, Data: append([]byte(nil), raw...)}}, nil
	}

	out := []StateEntry{}
	for k, raw := range s.state {
		if strings.HasPrefix(k, prefix) {
			out = append(out, StateEntry{Name: k, Data: append([]byte(nil), raw...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetState implements StateStore
func (s *MemoryStore) SetState(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, wildcard := IsWildcard(key); wildcard {
		return &StoreError{Type: "validation_error", Message: "cannot write a wildcard key", Key: key}
	}
	raw, err := encode(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = raw
	return nil
}

// DeleteState implements StateStore
func (s *MemoryStore) DeleteState(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state[key]
	delete(s.state, key)
	return ok, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
