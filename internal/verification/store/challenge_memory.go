package store

import (
	"context"
	"sync"
	"time"

	id "veriflow/pkg/domain"
	"veriflow/pkg/requestcontext"
)

type InMemoryChallengeStore struct {
	mu      sync.Mutex
	expires map[id.UserID]time.Time
}

func NewInMemoryChallenges() *InMemoryChallengeStore {
	return &InMemoryChallengeStore{expires: make(map[id.UserID]time.Time)}
}

func (s *InMemoryChallengeStore) Record(ctx context.Context, userID id.UserID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[userID] = requestcontext.Now(ctx).Add(ttl)
	return nil
}

func (s *InMemoryChallengeStore) Passed(ctx context.Context, userID id.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[userID]
	if !ok {
		return false, nil
	}
	if !requestcontext.Now(ctx).Before(exp) {
		delete(s.expires, userID)
		return false, nil
	}
	return true, nil
}

func (s *InMemoryChallengeStore) Clear(_ context.Context, userID id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, userID)
	return nil
}
