package store

import (
	"context"
	"sync"

	"veriflow/internal/attempts/models"
	"veriflow/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu       sync.Mutex
	counters map[models.Key]*models.Counter
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{counters: make(map[models.Key]*models.Counter)}
}

func (s *InMemoryStore) Update(_ context.Context, key models.Key, fn UpdateFunc) (*models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.counters[key].Clone())
	if err != nil {
		return nil, err
	}
	s.counters[key] = next.Clone()
	return next, nil
}

func (s *InMemoryStore) Get(_ context.Context, key models.Key) (*models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return c.Clone(), nil
}
