package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"veriflow/internal/identity/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// Contact uniqueness and copy-on-read are what the State Machine relies on;
// both are covered here rather than through the orchestrator.
type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) newIdentity(email, phone string) *models.Identity {
	return models.NewIdentity(id.UserID(uuid.New()), email, phone, s.now)
}

func (s *InMemoryStoreSuite) TestCreateAndGet() {
	ctx := context.Background()

	s.Run("returns a copy of the stored record", func() {
		identity := s.newIdentity("ada@example.com", "")
		s.Require().NoError(s.store.Create(ctx, identity))

		found, err := s.store.Get(ctx, identity.ID)
		s.Require().NoError(err)
		found.VoiceVerified = true

		again, err := s.store.Get(ctx, identity.ID)
		s.Require().NoError(err)
		s.False(again.VoiceVerified)
	})

	s.Run("duplicate id is a conflict", func() {
		identity := s.newIdentity("dup@example.com", "")
		s.Require().NoError(s.store.Create(ctx, identity))
		s.Require().ErrorIs(s.store.Create(ctx, identity), sentinel.ErrConflict)
	})

	s.Run("missing id is not found", func() {
		_, err := s.store.Get(ctx, id.UserID(uuid.New()))
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestContactUniqueness() {
	ctx := context.Background()
	first := s.newIdentity("shared@example.com", "+15550100")
	s.Require().NoError(s.store.Create(ctx, first))

	s.Run("email taken by another user", func() {
		s.Require().ErrorIs(s.store.Create(ctx, s.newIdentity("shared@example.com", "")), sentinel.ErrConflict)
	})

	s.Run("phone taken by another user on save", func() {
		other := s.newIdentity("other@example.com", "")
		s.Require().NoError(s.store.Create(ctx, other))
		other.Phone = "+15550100"
		s.Require().ErrorIs(s.store.Save(ctx, other), sentinel.ErrConflict)
	})

	s.Run("changing email frees the old address", func() {
		first.Email = "moved@example.com"
		s.Require().NoError(s.store.Save(ctx, first))

		_, err := s.store.FindByContact(ctx, "shared@example.com")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)

		found, err := s.store.FindByContact(ctx, "MOVED@example.com")
		s.Require().NoError(err)
		s.Equal(first.ID, found.ID)
	})

	s.Run("phone lookup normalizes the identifier", func() {
		found, err := s.store.FindByContact(ctx, "+1 555-0100")
		s.Require().NoError(err)
		s.Equal(first.ID, found.ID)
	})
}

func (s *InMemoryStoreSuite) TestVoiceProfiles() {
	ctx := context.Background()
	identity := s.newIdentity("voice@example.com", "")
	s.Require().NoError(s.store.Create(ctx, identity))

	_, err := s.store.GetVoiceProfile(ctx, identity.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	profile := models.NewVoiceProfile(identity.ID, s.now)
	s.Require().NoError(profile.AddSample(models.VoiceSample{Index: 1, URL: "mem://voice/1"}))
	s.Require().NoError(s.store.SaveVoiceProfile(ctx, profile))

	found, err := s.store.GetVoiceProfile(ctx, identity.ID)
	s.Require().NoError(err)
	s.Equal(1, found.SampleCount())

	s.Run("profile for unknown identity is rejected", func() {
		orphan := models.NewVoiceProfile(id.UserID(uuid.New()), s.now)
		s.Require().ErrorIs(s.store.SaveVoiceProfile(ctx, orphan), sentinel.ErrNotFound)
	})
}
