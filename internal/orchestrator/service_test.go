package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
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
	"veriflow/internal/review"
	"veriflow/internal/verification/statemachine"
	verificationstore "veriflow/internal/verification/store"
	"veriflow/internal/verification/steps"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/audit/publisher"
	auditmemory "veriflow/pkg/platform/audit/store/memory"
	"veriflow/pkg/requestcontext"
)

// voice is a capture with every byte value, so its fingerprint has full
// quality. silence has a single byte value and never matches it.
var (
	voice   = blob.Payload{Base64: base64.StdEncoding.EncodeToString(spread())}
	silence = blob.Payload{Data: bytes.Repeat([]byte{0x01}, 512)}
)

func spread() []byte {
	b := make([]byte, 1024)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// End-to-end through the real collaborators with only the internal
// fingerprint comparator configured.
type OrchestratorSuite struct {
	suite.Suite
	blobs   *blob.InMemoryStore
	audit   *auditmemory.InMemoryStore
	service *Service
	ctx     context.Context
	userID  id.UserID
	admin   id.AdminID
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	identities := identitystore.NewInMemory()
	requests := verificationstore.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.blobs = blob.NewInMemory()
	pub := publisher.NewPublisher(s.audit)

	machine, err := statemachine.New(identities, requests, pub)
	s.Require().NoError(err)
	ledger, err := attemptservice.New(attemptstore.NewInMemory(), attemptservice.WithAuditPublisher(pub))
	s.Require().NoError(err)
	adapter, err := matching.New(fallback.New(s.blobs))
	s.Require().NoError(err)
	verifiers, err := steps.New(machine, adapter, ledger, identities, pub)
	s.Require().NoError(err)
	reviewer, err := review.New(machine, requests, ledger, pub)
	s.Require().NoError(err)
	s.service, err = New(machine, verifiers, reviewer, s.blobs, pub)
	s.Require().NoError(err)

	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s.userID = id.UserID(uuid.New())
	s.admin = id.AdminID(uuid.New())

	_, err = s.service.EnsureIdentity(s.ctx, s.userID, "Ada@Example.com", "")
	s.Require().NoError(err)
	name, dob := "Ada Lovelace", "1990-03-14"
	snap, err := s.service.UpdateProfile(s.ctx, s.userID, identity.ProfileUpdate{FullName: &name, DateOfBirth: &dob})
	s.Require().NoError(err)
	s.Require().True(snap.ProfileCompleted)
}

func (s *OrchestratorSuite) count(action audit.AuditEvent) int {
	return s.audit.CountByAction(s.userID, action)
}

func (s *OrchestratorSuite) enroll() {
	for i := 1; i <= 3; i++ {
		_, err := s.service.SubmitEnrollmentSample(s.ctx, s.userID, EnrollmentInput{SampleIndex: i, Audio: voice})
		s.Require().NoError(err)
	}
}

func (s *OrchestratorSuite) TestFullJourney() {
	s.enroll()

	out, err := s.service.VerifyVoice(s.ctx, s.userID, voice)
	s.Require().NoError(err)
	s.True(out.Verified)
	s.Equal(fallback.ProviderID, out.Provider)

	live, err := s.service.VerifyLiveness(s.ctx, s.userID, blob.Payload{Data: spread()})
	s.Require().NoError(err)
	s.True(live.Verified)

	doc, err := s.service.ProcessDocument(s.ctx, s.userID, DocumentInput{Type: "passport", Payload: blob.Payload{Data: spread()}})
	s.Require().NoError(err)
	s.Require().NotNil(doc.RequestID)
	s.Nil(doc.TamperFlag, "the fingerprint comparator cannot detect tampering")

	status, err := s.service.Status(s.ctx, s.userID)
	s.Require().NoError(err)
	s.True(status.VoiceVerified)
	s.True(status.FaceVerified)
	s.True(status.DocumentVerified)
	s.Equal(*doc.RequestID, *status.PendingRequestID)
	s.Equal(1, s.count(audit.EventReviewOpened), "evidence and completion share one pending request")

	res, err := s.service.Decide(s.ctx, *doc.RequestID, s.admin, review.VerdictApprove, "")
	s.Require().NoError(err)
	s.True(res.Snapshot.PaymentReleased)

	trail, err := s.service.AuditTrail(s.ctx, s.userID)
	s.Require().NoError(err)
	s.Equal(string(audit.EventPaymentReleased), trail[len(trail)-1].Action)
}

func (s *OrchestratorSuite) TestVoiceMismatchCostsAttempt() {
	s.enroll()
	out, err := s.service.VerifyVoice(s.ctx, s.userID, silence)
	s.Require().NoError(err)
	s.False(out.Verified)
	s.Equal(steps.ReasonVoiceMismatch, out.Reason)
	s.Equal(2, out.Remaining)
}

func (s *OrchestratorSuite) TestVoiceLoginNeedsTranscription() {
	s.enroll()
	_, err := s.service.VoiceLogin(s.ctx, VoiceLoginInput{Identifier: "ada@example.com", Question: 1, Audio: voice})
	s.True(dErrors.HasCode(err, dErrors.CodeServiceUnavailable))
}

func (s *OrchestratorSuite) TestUploadFailure() {
	s.blobs.FailPuts(errors.New("bucket unreachable"))

	_, err := s.service.VerifyLiveness(s.ctx, s.userID, voice)
	s.True(dErrors.HasCode(err, dErrors.CodeUploadFailed))
	s.Equal(1, s.count(audit.EventUploadFailed))

	s.blobs.FailPuts(nil)
	out, err := s.service.VerifyLiveness(s.ctx, s.userID, voice)
	s.Require().NoError(err)
	s.Equal(3, out.Remaining, "an upload failure never consumes an attempt")
}

func (s *OrchestratorSuite) TestInvalidPayload() {
	_, err := s.service.VerifyLiveness(s.ctx, s.userID, blob.Payload{Base64: "%%%not-base64%%%"})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidPayload))
	s.Equal(0, s.count(audit.EventUploadFailed))
}

func (s *OrchestratorSuite) TestUnknownDocumentType() {
	_, err := s.service.ProcessDocument(s.ctx, s.userID, DocumentInput{Type: "library_card", Payload: voice})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *OrchestratorSuite) TestAdminOperations() {
	_, err := s.service.VerifyLiveness(s.ctx, s.userID, blob.Payload{Data: bytes.Repeat([]byte{0}, 64)})
	s.Require().NoError(err)

	counter, err := s.service.ResetAttempts(s.ctx, s.userID, string(attemptmodels.StepLiveness), s.admin)
	s.Require().NoError(err)
	s.Equal(3, counter.Remaining)

	list, err := s.service.ListRequests(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(list)

	opened, err := s.service.OpenReview(s.ctx, s.userID, s.admin)
	s.Require().NoError(err)
	bundle, err := s.service.GetRequest(s.ctx, opened.ID)
	s.Require().NoError(err)
	s.Equal(s.userID, bundle.Request.UserID)
}
