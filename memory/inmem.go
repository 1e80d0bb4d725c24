package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemStore is a Controller backed by process memory. It is the default
// backend for local development and the reference implementation for the
// Controller contract in tests.
type InMemStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record // tenant -> id -> record
	now     func() time.Time
}

var _ Controller = (*InMemStore)(nil)

// NewInMemStore constructs an empty store.
func NewInMemStore() *InMemStore {
	return &InMemStore{
		records: make(map[string]map[string]Record),
		now:     time.Now,
	}
}

func (s *InMemStore) Add(ctx context.Context, tenant, content string) (*Record, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidArgument
	}

	now := s.now().UTC()
	rec := Record{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[tenant] == nil {
		s.records[tenant] = make(map[string]Record)
	}
	s.records[tenant][rec.ID] = rec
	return &rec, nil
}

func (s *InMemStore) GetAll(ctx context.Context, tenant string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records[tenant]))
	for _, rec := range s.records[tenant] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemStore) Search(ctx context.Context, tenant, query string) ([]Record, error) {
	all, err := s.GetAll(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return Rank(all, query), nil
}

func (s *InMemStore) Update(ctx context.Context, tenant, id, content string) (*Record, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[tenant][id]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Content = content
	rec.UpdatedAt = s.now().UTC()
	s.records[tenant][id] = rec
	return &rec, nil
}
