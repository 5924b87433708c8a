package store

import (
	"context"
	"sync"

	"veriflow/internal/identity/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// InMemoryStore keeps identities and voice profiles in maps. Records are
// copied on the way in and out so callers never share mutable state.
type InMemoryStore struct {
	mu       sync.RWMutex
	byID     map[id.UserID]*models.Identity
	byEmail  map[string]id.UserID
	byPhone  map[string]id.UserID
	profiles map[id.UserID]*models.VoiceProfile
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byID:     make(map[id.UserID]*models.Identity),
		byEmail:  make(map[string]id.UserID),
		byPhone:  make(map[string]id.UserID),
		profiles: make(map[id.UserID]*models.VoiceProfile),
	}
}

func (s *InMemoryStore) Get(_ context.Context, userID id.UserID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byID[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return identity.Clone(), nil
}

func (s *InMemoryStore) Create(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[identity.ID]; ok {
		return sentinel.ErrConflict
	}
	if err := s.checkContactsLocked(identity); err != nil {
		return err
	}
	s.putLocked(identity)
	return nil
}

func (s *InMemoryStore) Save(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byID[identity.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if err := s.checkContactsLocked(identity); err != nil {
		return err
	}
	delete(s.byEmail, prev.Email)
	delete(s.byPhone, prev.Phone)
	s.putLocked(identity)
	return nil
}

func (s *InMemoryStore) FindByContact(_ context.Context, identifier string) (*models.Identity, error) {
	normalized, isEmail := models.NormalizeIdentifier(identifier)
	if normalized == "" {
		return nil, sentinel.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	index := s.byPhone
	if isEmail {
		index = s.byEmail
	}
	userID, ok := index[normalized]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byID[userID].Clone(), nil
}

func (s *InMemoryStore) GetVoiceProfile(_ context.Context, userID id.UserID) (*models.VoiceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return profile.Clone(), nil
}

func (s *InMemoryStore) SaveVoiceProfile(_ context.Context, profile *models.VoiceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[profile.UserID]; !ok {
		return sentinel.ErrNotFound
	}
	s.profiles[profile.UserID] = profile.Clone()
	return nil
}

func (s *InMemoryStore) checkContactsLocked(identity *models.Identity) error {
	if identity.Email != "" {
		if owner, ok := s.byEmail[identity.Email]; ok && owner != identity.ID {
			return sentinel.ErrConflict
		}
	}
	if identity.Phone != "" {
		if owner, ok := s.byPhone[identity.Phone]; ok && owner != identity.ID {
			return sentinel.ErrConflict
		}
	}
	return nil
}

func (s *InMemoryStore) putLocked(identity *models.Identity) {
	s.byID[identity.ID] = identity.Clone()
	if identity.Email != "" {
		s.byEmail[identity.Email] = identity.ID
	}
	if identity.Phone != "" {
		s.byPhone[identity.Phone] = identity.ID
	}
}
