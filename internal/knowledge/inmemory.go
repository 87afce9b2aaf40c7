package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps learnings in process memory. Used for tests and
// for runs that opt out of persistence.
type InMemoryStore struct {
	mu        sync.RWMutex
	learnings map[string]Learning
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{learnings: make(map[string]Learning)}
}

func (s *InMemoryStore) Save(ctx context.Context, l Learning) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learnings[l.ID] = l
	return nil
}

func (s *InMemoryStore) Retrieve(ctx context.Context, f Filter) ([]Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Learning
	for _, l := range s.learnings {
		if f.matches(l) {
			results = append(results, l)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

func (s *InMemoryStore) RetrieveRelevant(ctx context.Context, taskText string, hints []string) ([]Learning, error) {
	all, err := s.Retrieve(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return rankRelevant(all, taskText, hints), nil
}

func (s *InMemoryStore) GetByCategory(ctx context.Context, category string) ([]Learning, error) {
	return s.Retrieve(ctx, Filter{Categories: []string{category}})
}

func (s *InMemoryStore) GetStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ByType: make(map[LearningType]int), ByCategory: make(map[string]int)}
	for _, l := range s.learnings {
		stats.Total++
		stats.ByType[l.Type]++
		stats.ByCategory[l.Category]++
	}
	return stats, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.learnings[id]; !ok {
		return fmt.Errorf("learning %s not found", id)
	}
	delete(s.learnings, id)
	return nil
}

func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learnings = make(map[string]Learning)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
