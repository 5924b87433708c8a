package memory

import (
	"context"
	"sort"
	"sync"

	id "veriflow/pkg/domain"
	audit "veriflow/pkg/platform/audit"
)

// InMemoryStore keeps events in append order. Events with a nil user id are
// kept in the global log only.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
	byUser map[id.UserID][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byUser: make(map[id.UserID][]int)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if !event.UserID.IsNil() {
		s.byUser[event.UserID] = append(s.byUser[event.UserID], len(s.events)-1)
	}
	return nil
}

// ListByUser returns the user's events oldest first.
func (s *InMemoryStore) ListByUser(_ context.Context, userID id.UserID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byUser[userID]
	out := make([]audit.Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.events[i])
	}
	return out, nil
}

// ListRecent returns the most recent N events across all users, newest first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := max(len(s.events)-limit, 0)
	out := make([]audit.Event, 0, len(s.events)-start)
	for i := len(s.events) - 1; i >= start; i-- {
		out = append(out, s.events[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// CountByAction counts events of one type for a user. Used by tests and the
// admin evidence bundle.
func (s *InMemoryStore) CountByAction(userID id.UserID, action audit.AuditEvent) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, i := range s.byUser[userID] {
		if s.events[i].Action == string(action) {
			n++
		}
	}
	return n
}
