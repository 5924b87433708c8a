package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	identity "veriflow/internal/identity/models"
	identitystore "veriflow/internal/identity/store"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/store"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/audit/publisher"
	auditmemory "veriflow/pkg/platform/audit/store/memory"
	"veriflow/pkg/requestcontext"
)

type MachineSuite struct {
	suite.Suite
	identities *identitystore.InMemoryStore
	requests   *store.InMemoryStore
	audit      *auditmemory.InMemoryStore
	machine    *Machine
	ctx        context.Context
	userID     id.UserID
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.identities = identitystore.NewInMemory()
	s.requests = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()

	var err error
	s.machine, err = New(s.identities, s.requests, publisher.NewPublisher(s.audit))
	s.Require().NoError(err)

	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s.userID = id.UserID(uuid.New())
	_, err = s.machine.EnsureIdentity(s.ctx, s.userID, "ada@example.com", "")
	s.Require().NoError(err)
}

func setFlag(name string, set func(*identity.Identity)) Transition {
	return Transition{
		Name:           name,
		ConsiderReview: true,
		Apply: func(_ context.Context, s *State) error {
			set(s.Identity)
			return nil
		},
	}
}

var (
	voiceDone    = setFlag("voice", func(i *identity.Identity) { i.VoiceVerified = true })
	faceDone     = setFlag("face", func(i *identity.Identity) { i.FaceVerified = true })
	documentDone = setFlag("document", func(i *identity.Identity) { i.DocumentVerified = true })
)

// EnsureIdentity is idempotent and never overwrites an existing record.
func (s *MachineSuite) TestEnsureIdentity() {
	snap, err := s.machine.EnsureIdentity(s.ctx, s.userID, "other@example.com", "")
	s.Require().NoError(err)
	s.Equal(s.userID, snap.UserID)

	stored, err := s.identities.Get(s.ctx, s.userID)
	s.Require().NoError(err)
	s.Equal("ada@example.com", stored.Email)

	s.Run("contact owned by another user conflicts", func() {
		_, err := s.machine.EnsureIdentity(s.ctx, id.UserID(uuid.New()), "ada@example.com", "")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *MachineSuite) TestApplyTransitionReturnsPostState() {
	snap, err := s.machine.ApplyTransition(s.ctx, s.userID, faceDone)
	s.Require().NoError(err)
	s.True(snap.FaceVerified)
	s.False(snap.VoiceVerified)
	s.Nil(snap.PendingRequestID)

	read, err := s.machine.Snapshot(s.ctx, s.userID)
	s.Require().NoError(err)
	s.Equal(snap, read)
}

func (s *MachineSuite) TestFailedTransitionWritesNothing() {
	boom := dErrors.New(dErrors.CodeUserError, "nope")
	_, err := s.machine.ApplyTransition(s.ctx, s.userID, Transition{
		Name: "failing",
		Apply: func(_ context.Context, st *State) error {
			st.Identity.FaceVerified = true
			st.Emit(audit.Event{Action: string(audit.EventLivenessSuccess)})
			return boom
		},
	})
	s.ErrorIs(err, boom)

	snap, err := s.machine.Snapshot(s.ctx, s.userID)
	s.Require().NoError(err)
	s.False(snap.FaceVerified)
	s.Zero(s.audit.CountByAction(s.userID, audit.EventLivenessSuccess))
}

// Voice, face and document completing opens exactly one pending request.
func (s *MachineSuite) TestAutoOpenReview() {
	for _, t := range []Transition{voiceDone, faceDone} {
		_, err := s.machine.ApplyTransition(s.ctx, s.userID, t)
		s.Require().NoError(err)
	}
	snap, err := s.machine.ApplyTransition(s.ctx, s.userID, documentDone)
	s.Require().NoError(err)
	s.Require().NotNil(snap.PendingRequestID)
	s.Equal(1, s.audit.CountByAction(s.userID, audit.EventReviewOpened))

	s.Run("repeated completion keeps the same request", func() {
		again, err := s.machine.ApplyTransition(s.ctx, s.userID, documentDone)
		s.Require().NoError(err)
		s.Equal(*snap.PendingRequestID, *again.PendingRequestID)
		s.Equal(1, s.audit.CountByAction(s.userID, audit.EventReviewOpened))
	})

	s.Run("admin transitions do not reopen after a decision", func() {
		_, err := s.machine.ApplyTransition(s.ctx, s.userID, Transition{
			Name: "reject",
			Apply: func(ctx context.Context, st *State) error {
				r, err := st.Request(ctx, *snap.PendingRequestID)
				if err != nil {
					return err
				}
				r.Status = models.StatusRejected
				return nil
			},
		})
		s.Require().NoError(err)

		after, err := s.machine.Snapshot(s.ctx, s.userID)
		s.Require().NoError(err)
		s.Nil(after.PendingRequestID)
	})
}

func (s *MachineSuite) TestOpenOrUpdate() {
	tamper := true
	snap, err := s.machine.ApplyTransition(s.ctx, s.userID, Transition{
		Name: "document",
		Apply: func(_ context.Context, st *State) error {
			st.OpenOrUpdate(models.Evidence{DocumentURL: "mem://document/1", DocumentType: models.DocumentPassport, TamperFlag: &tamper})
			return nil
		},
	})
	s.Require().NoError(err)
	s.Require().NotNil(snap.PendingRequestID)

	_, err = s.machine.ApplyTransition(s.ctx, s.userID, Transition{
		Name: "liveness",
		Apply: func(_ context.Context, st *State) error {
			st.UpdatePending(models.Evidence{LivenessImageURL: "mem://liveness/1"})
			return nil
		},
	})
	s.Require().NoError(err)

	r, err := s.requests.Get(s.ctx, *snap.PendingRequestID)
	s.Require().NoError(err)
	s.Equal("mem://document/1", r.DocumentURL)
	s.Equal("mem://liveness/1", r.LivenessImageURL)
	s.True(*r.TamperFlag)

	s.Run("operator open conflicts while pending", func() {
		_, err := s.machine.ApplyTransition(s.ctx, s.userID, Transition{
			Name: "open",
			Apply: func(_ context.Context, st *State) error {
				_, err := st.OpenReview()
				return err
			},
		})
		s.Error(err)
	})
}

// Concurrent step completions for one user must not lose updates.
func (s *MachineSuite) TestConcurrentTransitionsAreLinearizable() {
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, t := range []Transition{voiceDone, faceDone, documentDone} {
		wg.Add(1)
		go func(t Transition) {
			defer wg.Done()
			_, err := s.machine.ApplyTransition(s.ctx, s.userID, t)
			errs <- err
		}(t)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	snap, err := s.machine.Snapshot(s.ctx, s.userID)
	s.Require().NoError(err)
	s.True(snap.VoiceVerified && snap.FaceVerified && snap.DocumentVerified)
	s.NotNil(snap.PendingRequestID)
	s.Equal(1, s.audit.CountByAction(s.userID, audit.EventReviewOpened))
}

func (s *MachineSuite) TestUpdateProfile() {
	name, dob := "Ada Lovelace", "1815-12-10"
	snap, err := s.machine.UpdateProfile(s.ctx, s.userID, identity.ProfileUpdate{FullName: &name, DateOfBirth: &dob})
	s.Require().NoError(err)
	s.True(snap.ProfileCompleted)

	s.Run("invalid update leaves the record untouched", func() {
		bad := "10/12/1815"
		_, err := s.machine.UpdateProfile(s.ctx, s.userID, identity.ProfileUpdate{DateOfBirth: &bad})
		s.Error(err)

		stored, err := s.identities.Get(s.ctx, s.userID)
		s.Require().NoError(err)
		s.Equal(dob, stored.DateOfBirth)
	})
}

func (s *MachineSuite) TestUnknownUser() {
	_, err := s.machine.Snapshot(s.ctx, id.UserID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *MachineSuite) TestLockTimeout() {
	m, err := New(s.identities, s.requests, publisher.NewPublisher(s.audit), WithLockTimeout(20*time.Millisecond))
	s.Require().NoError(err)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_, _ = m.ApplyTransition(s.ctx, s.userID, Transition{
			Name: "slow",
			Apply: func(context.Context, *State) error {
				close(held)
				<-release
				return nil
			},
		})
	}()
	<-held

	_, err = m.Snapshot(s.ctx, s.userID)
	close(release)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.True(errors.Is(err, context.DeadlineExceeded))
}
