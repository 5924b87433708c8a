//go:build integration

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	attemptmodels "veriflow/internal/attempts/models"
	attemptservice "veriflow/internal/attempts/service"
	attemptstore "veriflow/internal/attempts/store"
	"veriflow/internal/blob"
	identity "veriflow/internal/identity/models"
	identitystore "veriflow/internal/identity/store"
	"veriflow/internal/matching"
	"veriflow/internal/matching/fallback"
	"veriflow/internal/platform/postgres"
	"veriflow/internal/review"
	"veriflow/internal/verification/statemachine"
	verificationstore "veriflow/internal/verification/store"
	"veriflow/internal/verification/steps"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/audit/publisher"
	auditpg "veriflow/pkg/platform/audit/store/postgres"
	"veriflow/pkg/requestcontext"
	"veriflow/pkg/testutil/containers"
)

// The same journey as the in-memory suite, with every store on Postgres and
// each transition committed in one transaction.
type PostgresJourneySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	audit    *auditpg.Store
	service  *Service
	ctx      context.Context
	userID   id.UserID
}

func TestPostgresJourneySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresJourneySuite))
}

func (s *PostgresJourneySuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
}

func (s *PostgresJourneySuite) SetupTest() {
	s.Require().NoError(s.postgres.Truncate(context.Background()))

	db := s.postgres.DB
	identities := identitystore.NewPostgres(db)
	requests := verificationstore.NewPostgres(db)
	s.audit = auditpg.New(db)
	blobs := blob.NewInMemory()
	pub := publisher.NewPublisher(s.audit)

	machine, err := statemachine.New(identities, requests, pub, statemachine.WithTxRunner(postgres.NewTxRunner(db)))
	s.Require().NoError(err)
	ledger, err := attemptservice.New(attemptstore.NewPostgres(db), attemptservice.WithAuditPublisher(pub))
	s.Require().NoError(err)
	adapter, err := matching.New(fallback.New(blobs))
	s.Require().NoError(err)
	verifiers, err := steps.New(machine, adapter, ledger, identities, pub)
	s.Require().NoError(err)
	reviewer, err := review.New(machine, requests, ledger, pub)
	s.Require().NoError(err)
	s.service, err = New(machine, verifiers, reviewer, blobs, pub)
	s.Require().NoError(err)

	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s.userID = id.UserID(uuid.New())
	_, err = s.service.EnsureIdentity(s.ctx, s.userID, "ada@example.com", "")
	s.Require().NoError(err)
	name, dob := "Ada Lovelace", "1990-03-14"
	_, err = s.service.UpdateProfile(s.ctx, s.userID, identity.ProfileUpdate{FullName: &name, DateOfBirth: &dob})
	s.Require().NoError(err)
}

func (s *PostgresJourneySuite) complete() id.RequestID {
	for i := 1; i <= 3; i++ {
		_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentInput{SampleIndex: i, Audio: voice})
		s.Require().NoError(err)
	}
	out, err := s.service.VerifyVoice(s.ctx, s.userID, voice)
	s.Require().NoError(err)
	s.Require().True(out.Verified)
	_, err = s.service.VerifyLiveness(s.ctx, s.userID, blob.Payload{Data: spread()})
	s.Require().NoError(err)
	doc, err := s.service.ProcessDocument(s.ctx, s.userID, DocumentInput{Type: "passport", Payload: blob.Payload{Data: spread()}})
	s.Require().NoError(err)
	s.Require().NotNil(doc.RequestID)
	return *doc.RequestID
}

func (s *PostgresJourneySuite) actions() []string {
	events, err := s.audit.ListByUser(s.ctx, s.userID)
	s.Require().NoError(err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func (s *PostgresJourneySuite) TestJourneyPersists() {
	requestID := s.complete()

	res, err := s.service.Decide(s.ctx, requestID, id.AdminID(uuid.New()), review.VerdictApprove, "")
	s.Require().NoError(err)
	s.True(res.Snapshot.PaymentReleased)

	status, err := s.service.Status(s.ctx, s.userID)
	s.Require().NoError(err)
	s.True(status.AdminApproved)
	s.Nil(status.PendingRequestID)

	actions := s.actions()
	s.Contains(actions, string(audit.EventVoiceEnrolled))
	s.Contains(actions, string(audit.EventReviewOpened))
	s.Equal(string(audit.EventPaymentReleased), actions[len(actions)-1])
}

// Two operators racing on the same request: one decision wins, the other is
// told it was already decided, and payment is released once.
func (s *PostgresJourneySuite) TestConcurrentDecisions() {
	requestID := s.complete()

	const operators = 8
	var wg sync.WaitGroup
	errs := make([]error, operators)
	for i := range operators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.service.Decide(s.ctx, requestID, id.AdminID(uuid.New()), review.VerdictApprove, "")
		}()
	}
	wg.Wait()

	var won, decided int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case dErrors.HasCode(err, dErrors.CodeAlreadyDecided):
			decided++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, won)
	s.Equal(operators-1, decided)

	released := 0
	for _, a := range s.actions() {
		if a == string(audit.EventPaymentReleased) {
			released++
		}
	}
	s.Equal(1, released)
}

// Concurrent submissions on the last attempt never drive the counter below
// zero or past one provider call per attempt.
func (s *PostgresJourneySuite) TestLedgerSerializesAttempts() {
	for i := 1; i <= 3; i++ {
		_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentInput{SampleIndex: i, Audio: voice})
		s.Require().NoError(err)
	}

	const callers = 6
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.service.VerifyVoice(s.ctx, s.userID, silence)
		}()
	}
	wg.Wait()

	opened, err := s.service.OpenReview(s.ctx, s.userID, id.AdminID(uuid.New()))
	s.Require().NoError(err)
	got, err := s.service.GetRequest(s.ctx, opened.ID)
	s.Require().NoError(err)

	failures := 0
	for _, a := range s.actions() {
		if a == string(audit.EventVerificationFailure) {
			failures++
		}
	}
	s.LessOrEqual(failures, 3)
	for _, c := range got.Attempts {
		s.GreaterOrEqual(c.Remaining, 0)
		if c.Step == attemptmodels.StepVoiceVerify {
			s.Equal(3-failures, c.Remaining, "each recorded failure consumed exactly one attempt")
		}
	}
}
