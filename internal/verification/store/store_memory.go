package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[id.RequestID]*models.Request
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{requests: make(map[id.RequestID]*models.Request)}
}

func (s *InMemoryStore) Get(_ context.Context, requestID id.RequestID) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) FindPending(_ context.Context, userID id.UserID) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.pendingLocked(userID); r != nil {
		return r.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) Create(_ context.Context, request *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[request.ID]; exists {
		return sentinel.ErrConflict
	}
	if request.IsPending() && s.pendingLocked(request.UserID) != nil {
		return sentinel.ErrConflict
	}
	s.requests[request.ID] = request.Clone()
	return nil
}

func (s *InMemoryStore) Save(_ context.Context, request *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[request.ID]; !exists {
		return sentinel.ErrNotFound
	}
	if request.IsPending() {
		if other := s.pendingLocked(request.UserID); other != nil && other.ID != request.ID {
			return sentinel.ErrConflict
		}
	}
	s.requests[request.ID] = request.Clone()
	return nil
}

// List returns matching requests oldest first.
func (s *InMemoryStore) List(_ context.Context, statuses []models.RequestStatus) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Request, 0)
	for _, r := range s.requests {
		if len(statuses) == 0 || slices.Contains(statuses, r.Status) {
			out = append(out, r.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID id.UserID) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Request, 0)
	for _, r := range s.requests {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *InMemoryStore) pendingLocked(userID id.UserID) *models.Request {
	for _, r := range s.requests {
		if r.UserID == userID && r.IsPending() {
			return r
		}
	}
	return nil
}

func sortByCreated(requests []*models.Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].ID.String() < requests[j].ID.String()
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}
