package steps

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	attemptmodels "veriflow/internal/attempts/models"
	attemptservice "veriflow/internal/attempts/service"
	attemptstore "veriflow/internal/attempts/store"
	identity "veriflow/internal/identity/models"
	identitystore "veriflow/internal/identity/store"
	"veriflow/internal/matching/providers"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/statemachine"
	verificationstore "veriflow/internal/verification/store"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/audit/publisher"
	auditmemory "veriflow/pkg/platform/audit/store/memory"
	"veriflow/pkg/platform/sentinel"
	"veriflow/pkg/requestcontext"
)

// scriptedAdapter answers Match with match and counts calls.
type scriptedAdapter struct {
	match  func(req providers.MatchRequest) (*providers.MatchResult, error)
	enroll func(urls []string) (*providers.EnrollResult, error)
	calls  atomic.Int32
}

func (a *scriptedAdapter) Match(_ context.Context, req providers.MatchRequest) (*providers.MatchResult, error) {
	a.calls.Add(1)
	return a.match(req)
}

func (a *scriptedAdapter) Enroll(_ context.Context, urls []string) (*providers.EnrollResult, error) {
	if a.enroll != nil {
		return a.enroll(urls)
	}
	return &providers.EnrollResult{ModelRef: "model-1", Score: 0.95, Provider: "primary"}, nil
}

// echo matches and transcribes exactly what was prompted.
func echo(req providers.MatchRequest) (*providers.MatchResult, error) {
	text := req.Expected
	return &providers.MatchResult{IsMatch: true, Score: 0.93, Provider: "primary", Transcribed: &text}, nil
}

func transcript(isMatch bool, text string) func(providers.MatchRequest) (*providers.MatchResult, error) {
	return func(providers.MatchRequest) (*providers.MatchResult, error) {
		return &providers.MatchResult{IsMatch: isMatch, Score: 0.5, Provider: "primary", Transcribed: &text}, nil
	}
}

type StepsSuite struct {
	suite.Suite
	identities *identitystore.InMemoryStore
	requests   *verificationstore.InMemoryStore
	audit      *auditmemory.InMemoryStore
	ledger     *attemptservice.Service
	adapter    *scriptedAdapter
	service    *Service
	ctx        context.Context
	userID     id.UserID
}

func TestStepsSuite(t *testing.T) {
	suite.Run(t, new(StepsSuite))
}

func (s *StepsSuite) SetupTest() {
	s.identities = identitystore.NewInMemory()
	s.requests = verificationstore.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	pub := publisher.NewPublisher(s.audit)

	machine, err := statemachine.New(s.identities, s.requests, pub)
	s.Require().NoError(err)
	s.ledger, err = attemptservice.New(attemptstore.NewInMemory(), attemptservice.WithAuditPublisher(pub))
	s.Require().NoError(err)

	s.adapter = &scriptedAdapter{match: echo}
	s.service, err = New(machine, s.adapter, s.ledger, s.identities, pub)
	s.Require().NoError(err)

	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s.userID = id.UserID(uuid.New())
	_, err = machine.EnsureIdentity(s.ctx, s.userID, "ada@example.com", "")
	s.Require().NoError(err)
	name, dob := "Ada Lovelace", "1990-03-14"
	_, err = machine.UpdateProfile(s.ctx, s.userID, identity.ProfileUpdate{FullName: &name, DateOfBirth: &dob})
	s.Require().NoError(err)
}

func (s *StepsSuite) count(action audit.AuditEvent) int {
	return s.audit.CountByAction(s.userID, action)
}

func (s *StepsSuite) enroll() {
	for i := 1; i <= identity.RequiredSamples; i++ {
		_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: i, PayloadURL: "mem://voice/" + strconv.Itoa(i)})
		s.Require().NoError(err)
	}
	s.adapter.calls.Store(0)
}

func (s *StepsSuite) TestEnrollment() {
	s.Run("three samples in order enroll the user", func() {
		var last *EnrollmentResult
		for i := 1; i <= 3; i++ {
			res, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: i, PayloadURL: "mem://voice/a"})
			s.Require().NoError(err)
			last = res
		}
		s.True(last.Enrolled)
		s.Equal(identity.EnrollmentEnrolled, last.State)
		s.False(last.Snapshot.VoiceVerified)
		s.Equal(3, s.count(audit.EventEnrollmentSuccess))
		s.Equal(1, s.count(audit.EventVoiceEnrolled))
	})

	s.Run("a second enrollment is refused", func() {
		_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: 1, PayloadURL: "mem://voice/a"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

func (s *StepsSuite) TestEnrollmentOutOfOrder() {
	_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: 2, PayloadURL: "mem://voice/a"})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	s.EqualValues(0, s.adapter.calls.Load())
	s.Equal(1, s.count(audit.EventInternalInconsistency))
}

func (s *StepsSuite) TestEnrollmentRejectsSample() {
	s.Run("low quality", func() {
		s.adapter.match = transcript(false, "Ada Lovelace")
		_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: 1, PayloadURL: "mem://voice/a"})
		s.True(dErrors.HasCode(err, dErrors.CodeUserError))
	})

	s.Run("wrong phrase", func() {
		s.adapter.match = transcript(true, "Charles Babbage")
		_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: 1, PayloadURL: "mem://voice/a"})
		s.True(dErrors.HasCode(err, dErrors.CodeUserError))
	})

	s.Equal(2, s.count(audit.EventEnrollmentFailure))
	profile, err := s.identities.GetVoiceProfile(s.ctx, s.userID)
	if err == nil {
		s.Equal(0, profile.SampleCount())
	}
}

func (s *StepsSuite) TestEnrollmentSpokenDateVariants() {
	s.adapter.match = echo
	_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: 1, PayloadURL: "mem://voice/a"})
	s.Require().NoError(err)

	s.adapter.match = transcript(true, "the fourteenth of march")
	_, err = s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: 2, PayloadURL: "mem://voice/b"})
	s.True(dErrors.HasCode(err, dErrors.CodeUserError), "a date without the year is not the date of birth")

	s.adapter.match = transcript(true, "March 14th, 1990")
	res, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentSubmission{SampleIndex: 2, PayloadURL: "mem://voice/b"})
	s.Require().NoError(err)
	s.Equal(identity.EnrollmentSample2, res.State)
}

func (s *StepsSuite) TestVerifyVoiceNeedsEnrollment() {
	_, err := s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/x")
	s.True(dErrors.HasCode(err, dErrors.CodeNeedsEnrollment))
	s.EqualValues(0, s.adapter.calls.Load())
	s.Equal(1, s.count(audit.EventNeedsEnrollment))
}

func (s *StepsSuite) TestVerifyVoiceLockout() {
	s.enroll()
	s.adapter.match = transcript(false, "")

	for _, want := range []int{2, 1, 0} {
		out, err := s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/x")
		s.Require().NoError(err)
		s.False(out.Verified)
		s.Equal(ReasonVoiceMismatch, out.Reason)
		s.Equal(want, out.Remaining)
	}

	_, err := s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/x")
	s.True(dErrors.HasCode(err, dErrors.CodeAttemptsExhausted))
	s.EqualValues(3, s.adapter.calls.Load(), "a locked step never reaches the provider")
	s.Equal(1, s.count(audit.EventAttemptsExhausted))
	s.Equal(3, s.count(audit.EventVerificationFailure))
}

func (s *StepsSuite) TestVoiceLoginLockout() {
	s.enroll()
	s.adapter.match = transcript(false, "ada lovelace")
	login := VoiceLoginSubmission{Identifier: "ada@example.com", Question: 1, PayloadURL: "mem://voice/x"}

	for _, want := range []int{2, 1, 0} {
		out, err := s.service.VoiceLogin(s.ctx, login)
		s.Require().NoError(err)
		s.False(out.Verified)
		s.Equal(ReasonVoiceMismatch, out.Reason)
		s.Equal(want, out.Remaining)
	}

	_, err := s.service.VoiceLogin(s.ctx, login)
	s.True(dErrors.HasCode(err, dErrors.CodeAttemptsExhausted))
	s.EqualValues(3, s.adapter.calls.Load(), "a locked login never reaches the provider")
	s.Equal(1, s.count(audit.EventAttemptsExhausted))

	counter, err := s.ledger.Get(s.ctx, s.userID, attemptmodels.StepVoiceLogin)
	s.Require().NoError(err)
	s.Equal(0, counter.Remaining)
	s.Equal(0, counter.InFlight)
}

func (s *StepsSuite) TestVerifyVoiceSuccess() {
	s.enroll()
	s.adapter.match = transcript(true, "")

	out, err := s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/x")
	s.Require().NoError(err)
	s.True(out.Verified)
	s.Equal(3, out.Remaining)
	s.True(out.Snapshot.VoiceVerified)
	s.Equal(1, s.count(audit.EventVerificationSuccess))
}

func (s *StepsSuite) TestVerifyVoiceRaceAtLastAttempt() {
	s.enroll()
	s.adapter.match = transcript(false, "")
	for range 2 {
		_, err := s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/x")
		s.Require().NoError(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
		close(entered)
		<-release
		return &providers.MatchResult{IsMatch: false, Provider: "primary"}, nil
	}

	var wg sync.WaitGroup
	var first *Outcome
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/x")
	}()
	<-entered

	_, err := s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/y")
	s.True(dErrors.HasCode(err, dErrors.CodeAttemptInProgress))

	close(release)
	wg.Wait()
	s.Require().NoError(firstErr)
	s.Equal(0, first.Remaining)
	s.Equal(3, s.count(audit.EventVerificationFailure))
}

func (s *StepsSuite) TestProviderUnavailableKeepsAttempt() {
	s.enroll()
	s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
		return nil, dErrors.New(dErrors.CodeServiceUnavailable, "down")
	}

	_, err := s.service.VerifyVoice(s.ctx, s.userID, "mem://voice/x")
	s.True(dErrors.HasCode(err, dErrors.CodeServiceUnavailable))
	s.Equal(1, s.count(audit.EventServiceUnavailable))

	counter, err := s.ledger.Get(s.ctx, s.userID, attemptmodels.StepVoiceVerify)
	s.Require().NoError(err)
	s.Equal(3, counter.Remaining)
	s.Equal(0, counter.InFlight)
}

// A verdict that cannot be applied because the user is busy must not keep the
// reservation in flight until the lease runs out.
func (s *StepsSuite) TestBusyUserReleasesReservation() {
	pub := publisher.NewPublisher(s.audit)
	machine, err := statemachine.New(s.identities, s.requests, pub, statemachine.WithLockTimeout(20*time.Millisecond))
	s.Require().NoError(err)
	svc, err := New(machine, s.adapter, s.ledger, s.identities, pub)
	s.Require().NoError(err)

	held := make(chan struct{})
	hold := make(chan struct{})
	var holder sync.WaitGroup
	s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
		holder.Add(1)
		go func() {
			defer holder.Done()
			_, _ = machine.ApplyTransition(s.ctx, s.userID, statemachine.Transition{
				Name: "hold",
				Apply: func(context.Context, *statemachine.State) error {
					close(held)
					<-hold
					return nil
				},
			})
		}()
		<-held
		return &providers.MatchResult{IsMatch: true, Score: 0.9, Provider: "primary"}, nil
	}

	_, err = svc.VerifyLiveness(s.ctx, s.userID, "mem://liveness/a")
	close(hold)
	holder.Wait()
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))

	counter, err := s.ledger.Get(s.ctx, s.userID, attemptmodels.StepLiveness)
	s.Require().NoError(err)
	s.Equal(0, counter.InFlight)
	s.Equal(3, counter.Remaining)
}

func (s *StepsSuite) TestInvalidPayloadIsNotAudited() {
	s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
		return nil, dErrors.New(dErrors.CodeInvalidPayload, "unreadable image")
	}
	_, err := s.service.VerifyLiveness(s.ctx, s.userID, "mem://liveness/x")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidPayload))
	s.Equal(0, s.count(audit.EventServiceUnavailable))
}

func (s *StepsSuite) TestVoiceLogin() {
	s.enroll()

	s.Run("question 2 before question 1 is refused", func() {
		_, err := s.service.VoiceLogin(s.ctx, VoiceLoginSubmission{Identifier: "ada@example.com", Question: 2, PayloadURL: "mem://voice/x"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
		s.EqualValues(0, s.adapter.calls.Load())
		counter, err := s.ledger.Get(s.ctx, s.userID, attemptmodels.StepVoiceLogin)
		s.Require().NoError(err)
		s.Equal(3, counter.Remaining)
	})

	s.Run("question 1 opens the gate", func() {
		s.adapter.match = transcript(true, "ada lovelace")
		out, err := s.service.VoiceLogin(s.ctx, VoiceLoginSubmission{Identifier: "ADA@example.com", Question: 1, PayloadURL: "mem://voice/x"})
		s.Require().NoError(err)
		s.True(out.Verified)
		s.False(out.Completed)
		s.Equal(s.userID, out.UserID)
	})

	s.Run("wrong answer to question 2 costs an attempt", func() {
		s.adapter.match = transcript(true, "January 1st 1970")
		out, err := s.service.VoiceLogin(s.ctx, VoiceLoginSubmission{Identifier: "ada@example.com", Question: 2, PayloadURL: "mem://voice/x"})
		s.Require().NoError(err)
		s.False(out.Verified)
		s.Equal(ReasonAnswerMismatch, out.Reason)
		s.Equal(2, out.Remaining)
	})

	s.Run("question 2 completes the login", func() {
		s.adapter.match = transcript(true, "14 March 1990")
		out, err := s.service.VoiceLogin(s.ctx, VoiceLoginSubmission{Identifier: "ada@example.com", Question: 2, PayloadURL: "mem://voice/x"})
		s.Require().NoError(err)
		s.True(out.Verified)
		s.True(out.Completed)
		s.Equal(3, out.Remaining)

		ident, err := s.identities.Get(s.ctx, s.userID)
		s.Require().NoError(err)
		s.True(ident.VoiceVerified)
	})

	s.Run("the gate closes after completion", func() {
		_, err := s.service.VoiceLogin(s.ctx, VoiceLoginSubmission{Identifier: "ada@example.com", Question: 2, PayloadURL: "mem://voice/x"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

func (s *StepsSuite) TestVoiceLoginUnknownIdentifier() {
	_, err := s.service.VoiceLogin(s.ctx, VoiceLoginSubmission{Identifier: "nobody@example.com", Question: 1, PayloadURL: "mem://voice/x"})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	recent, err := s.audit.ListRecent(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(recent, 1)
	s.Equal(string(audit.EventVerificationFailure), recent[0].Action)
	s.Equal(ReasonUnknownUser, recent[0].Reason)
	s.True(recent[0].UserID.IsNil())
	s.Equal(audit.HashSubject("nobody@example.com"), recent[0].SubjectIDHash)
}

func (s *StepsSuite) TestVoiceLoginWithoutTranscription() {
	s.enroll()
	s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
		return &providers.MatchResult{IsMatch: true, Score: 0.9, Provider: "internal-fingerprint", Degraded: true}, nil
	}
	_, err := s.service.VoiceLogin(s.ctx, VoiceLoginSubmission{Identifier: "ada@example.com", Question: 1, PayloadURL: "mem://voice/x"})
	s.True(dErrors.HasCode(err, dErrors.CodeServiceUnavailable))

	counter, err := s.ledger.Get(s.ctx, s.userID, attemptmodels.StepVoiceLogin)
	s.Require().NoError(err)
	s.Equal(3, counter.Remaining)
	s.Equal(0, counter.InFlight)
}

func (s *StepsSuite) TestLiveness() {
	s.Run("failure reports attempts left", func() {
		s.adapter.match = transcript(false, "")
		out, err := s.service.VerifyLiveness(s.ctx, s.userID, "mem://liveness/a")
		s.Require().NoError(err)
		s.False(out.Verified)
		s.Equal(ReasonLivenessFailed, out.Reason)
		s.Equal(2, out.Remaining)
	})

	s.Run("pass through the fallback records the image without opening a request", func() {
		s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
			return &providers.MatchResult{
				IsMatch: true, Score: 0.8, Provider: "internal-fingerprint",
				Degraded: true, FallbackReason: "provider_outage",
			}, nil
		}
		out, err := s.service.VerifyLiveness(s.ctx, s.userID, "mem://liveness/b")
		s.Require().NoError(err)
		s.True(out.Verified)
		s.True(out.Degraded)
		s.Equal("mem://liveness/b", out.ImageURL)
		s.True(out.Snapshot.FaceVerified)
		s.Nil(out.Snapshot.PendingRequestID)

		_, err = s.requests.FindPending(s.ctx, s.userID)
		s.ErrorIs(err, sentinel.ErrNotFound)
		s.Equal(0, s.count(audit.EventReviewOpened))

		ident, err := s.identities.Get(s.ctx, s.userID)
		s.Require().NoError(err)
		s.Equal("mem://liveness/b", ident.LivenessImageURL)

		s.Equal(1, s.count(audit.EventProviderFallback))
		events, err := s.audit.ListByUser(s.ctx, s.userID)
		s.Require().NoError(err)
		var served string
		for _, e := range events {
			if e.Action == string(audit.EventLivenessSuccess) {
				served = e.Provider
			}
		}
		s.Equal("internal-fingerprint", served)
	})

	s.Run("a later document opens the request with the selfie attached", func() {
		s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
			return &providers.MatchResult{IsMatch: true, Provider: "primary", ExtractedText: "ADA LOVELACE"}, nil
		}
		res, err := s.service.ProcessDocument(s.ctx, s.userID, DocumentSubmission{Type: models.DocumentPassport, PayloadURL: "mem://document/a"})
		s.Require().NoError(err)
		s.Require().NotNil(res.RequestID)

		pending, err := s.requests.FindPending(s.ctx, s.userID)
		s.Require().NoError(err)
		s.Equal("mem://liveness/b", pending.LivenessImageURL)
		s.Equal("mem://document/a", pending.DocumentURL)
		s.Equal(1, s.count(audit.EventReviewOpened))
	})
}

func (s *StepsSuite) TestDocument() {
	tamper := true
	quality := 0.7
	s.adapter.match = func(providers.MatchRequest) (*providers.MatchResult, error) {
		return &providers.MatchResult{
			IsMatch: true, Provider: "primary", ExtractedText: "ADA LOVELACE",
			TamperFlag: &tamper, QualityScore: &quality,
		}, nil
	}

	res, err := s.service.ProcessDocument(s.ctx, s.userID, DocumentSubmission{Type: models.DocumentPassport, PayloadURL: "mem://document/a"})
	s.Require().NoError(err)
	s.True(res.Snapshot.DocumentVerified)
	s.Require().NotNil(res.RequestID)
	s.Equal("ADA LOVELACE", res.ExtractedText)

	pending, err := s.requests.FindPending(s.ctx, s.userID)
	s.Require().NoError(err)
	s.Equal(*res.RequestID, pending.ID)
	s.Equal(models.DocumentPassport, pending.DocumentType)
	s.Require().NotNil(pending.TamperFlag)
	s.True(*pending.TamperFlag)

	events, err := s.audit.ListByUser(s.ctx, s.userID)
	s.Require().NoError(err)
	var reason string
	for _, e := range events {
		if e.Action == string(audit.EventDocumentProcessed) {
			reason = e.Reason
		}
	}
	s.Equal(ReasonTamperSuspected, reason)
}
