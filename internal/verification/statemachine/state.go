package statemachine

import (
	"context"
	"errors"
	"time"

	identity "veriflow/internal/identity/models"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/store"
	id "veriflow/pkg/domain"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/sentinel"
)

// State is the per-user record a Transition mutates while the user's lock is
// held. Changes are written back only after Apply returns without error.
type State struct {
	// Identity may be mutated directly; it is saved when it differs from the
	// loaded record.
	Identity *identity.Identity
	Now      time.Time

	loaded       identity.Identity
	profile      *identity.VoiceProfile
	profileDirty bool

	pending  *models.Request
	requests store.RequestStore
	created  map[id.RequestID]*models.Request
	touched  map[id.RequestID]*models.Request

	events      []audit.Event
	opened      *models.Request
	openTrigger string
}

func (s *State) UserID() id.UserID { return s.Identity.ID }

// Profile returns the voice profile for reading; nil when none exists.
func (s *State) Profile() *identity.VoiceProfile { return s.profile }

// MutableProfile returns the voice profile, creating it on first use, and
// marks it for write-back.
func (s *State) MutableProfile() *identity.VoiceProfile {
	if s.profile == nil {
		s.profile = identity.NewVoiceProfile(s.Identity.ID, s.Now)
	}
	s.profileDirty = true
	return s.profile
}

// Pending returns the user's pending request for reading; nil when none.
func (s *State) Pending() *models.Request {
	if s.pending != nil && !s.pending.IsPending() {
		return nil
	}
	return s.pending
}

// OpenOrUpdate attaches evidence to the pending request, opening one when
// none exists. An approved user never gets a new request; ok is false then.
func (s *State) OpenOrUpdate(e models.Evidence) (r *models.Request, ok bool) {
	if s.Pending() == nil {
		if s.Identity.AdminApproved {
			return nil, false
		}
		s.open("evidence")
	}
	s.pending.Attach(e)
	s.touch(s.pending)
	return s.pending, true
}

// UpdatePending attaches evidence only when a request is already pending.
func (s *State) UpdatePending(e models.Evidence) {
	if s.Pending() == nil || e.IsZero() {
		return
	}
	s.pending.Attach(e)
	s.touch(s.pending)
}

// OpenReview opens a pending request regardless of step progress. It fails
// with sentinel.ErrConflict when one is already pending.
func (s *State) OpenReview() (*models.Request, error) {
	if s.Pending() != nil {
		return nil, sentinel.ErrConflict
	}
	return s.open("operator"), nil
}

// Request loads a request of this user for mutation. The pending request is
// returned as the same instance Pending exposes.
func (s *State) Request(ctx context.Context, requestID id.RequestID) (*models.Request, error) {
	if s.pending != nil && s.pending.ID == requestID {
		s.touch(s.pending)
		return s.pending, nil
	}
	if r, ok := s.touched[requestID]; ok {
		return r, nil
	}
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.UserID != s.Identity.ID {
		return nil, sentinel.ErrNotFound
	}
	s.touch(r)
	return r, nil
}

// Emit queues an audit event. Queued events are appended, in order, before
// any projection write.
func (s *State) Emit(event audit.Event) {
	if event.UserID.IsNil() {
		event.UserID = s.Identity.ID
	}
	s.events = append(s.events, event)
}

func (s *State) open(trigger string) *models.Request {
	r := models.NewRequest(s.Identity.ID, s.Now)
	if s.Identity.LivenessImageURL != "" {
		r.Attach(models.Evidence{LivenessImageURL: s.Identity.LivenessImageURL})
	}
	if s.profile != nil && s.profile.LastMatchScore != nil {
		v := *s.profile.LastMatchScore
		r.VoiceMatchScore = &v
	}
	s.pending = r
	s.opened = r
	s.openTrigger = trigger
	s.created[r.ID] = r
	s.touch(r)
	s.Emit(audit.Event{
		Action:                string(audit.EventReviewOpened),
		VerificationRequestID: r.ID.String(),
	})
	return r
}

func (s *State) touch(r *models.Request) {
	s.touched[r.ID] = r
}

func (s *State) identityChanged() bool {
	return s.loaded != *s.Identity
}

func (s *State) writeRequests(ctx context.Context) error {
	// Decided requests first so the one-pending index never sees two.
	ordered := make([]*models.Request, 0, len(s.touched))
	for _, r := range s.touched {
		if !r.IsPending() {
			ordered = append(ordered, r)
		}
	}
	for _, r := range s.touched {
		if r.IsPending() {
			ordered = append(ordered, r)
		}
	}
	for _, r := range ordered {
		var err error
		if _, isNew := s.created[r.ID]; isNew {
			err = s.requests.Create(ctx, r)
		} else {
			err = s.requests.Save(ctx, r)
		}
		if errors.Is(err, sentinel.ErrConflict) {
			return errPendingExists
		}
		if err != nil {
			return err
		}
	}
	return nil
}
