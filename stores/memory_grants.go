package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/oarkflow/permit"
)

// MemoryGrantStore implements grant persistence in-memory for testing/demo
type MemoryGrantStore struct {
	mu          sync.RWMutex
	roles       map[string]map[string]bool
	permissions map[string]map[string]bool
	flags       map[string]map[string]bool
}

var _ permit.MutableGrantStore = (*MemoryGrantStore)(nil)

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		roles:       make(map[string]map[string]bool),
		permissions: make(map[string]map[string]bool),
		flags:       make(map[string]map[string]bool),
	}
}

func (s *MemoryGrantStore) AssignRole(ctx context.Context, identityID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[identityID] == nil {
		s.roles[identityID] = make(map[string]bool)
	}
	s.roles[identityID][role] = true
	return nil
}

func (s *MemoryGrantStore) RevokeRole(ctx context.Context, identityID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles[identityID], role)
	return nil
}

func (s *MemoryGrantStore) GrantPermission(ctx context.Context, identityID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permissions[identityID] == nil {
		s.permissions[identityID] = make(map[string]bool)
	}
	s.permissions[identityID][key] = true
	return nil
}

func (s *MemoryGrantStore) RevokePermission(ctx context.Context, identityID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.permissions[identityID], key)
	return nil
}

func (s *MemoryGrantStore) SetFlag(ctx context.Context, identityID, flag string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags[identityID] == nil {
		s.flags[identityID] = make(map[string]bool)
	}
	s.flags[identityID][flag] = value
	return nil
}

func (s *MemoryGrantStore) ListRoles(ctx context.Context, identityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.roles[identityID]), nil
}

func (s *MemoryGrantStore) ListPermissions(ctx context.Context, identityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.permissions[identityID]), nil
}

func (s *MemoryGrantStore) ListFlags(ctx context.Context, identityID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags[identityID]))
	for k, v := range s.flags[identityID] {
		out[k] = v
	}
	return out, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
