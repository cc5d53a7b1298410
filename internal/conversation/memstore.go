package conversation

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory Store used by tests and by single-process
// deployments that do not need durability.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*Conversation
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Conversation)}
}

func (s *MemStore) Create(ctx context.Context, conv *Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[conv.ID] = conv.Clone()
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemStore) Save(ctx context.Context, conv *Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[conv.ID]; !ok {
		return ErrNotFound
	}
	s.items[conv.ID] = conv.Clone()
	return nil
}

func (s *MemStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.items, id)
	}
	return nil
}

func (s *MemStore) FindByIdentifier(ctx context.Context, t IdentifierType, values []string) ([]*Conversation, error) {
	wanted := make(map[string]struct{}, len(values))
	for _, v := range values {
		wanted[v] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, conv := range s.items {
		for _, id := range conv.Identifiers {
			if id.Type != t {
				continue
			}
			if _, ok := wanted[id.Value]; ok {
				out = append(out, conv.Clone())
				break
			}
		}
	}
	sortByActivity(out)
	return out, nil
}

func (s *MemStore) FindByMatchKeys(ctx context.Context, keys []string) ([]*Conversation, error) {
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, conv := range s.items {
		for _, id := range conv.Identifiers {
			if id.MatchKey == "" {
				continue
			}
			if _, ok := wanted[id.MatchKey]; ok {
				out = append(out, conv.Clone())
				break
			}
		}
	}
	sortByActivity(out)
	return out, nil
}

func (s *MemStore) ListRecent(ctx context.Context, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.items))
	for _, conv := range s.items {
		out = append(out, conv.Clone())
	}
	sortByActivity(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of stored conversations.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func sortByActivity(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})
}
