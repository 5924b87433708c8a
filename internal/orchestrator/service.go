// Package orchestrator is the single entry point for verification work. It
// makes sure the caller has an Identity Record, stores capture payloads, and
// hands the resulting URLs to the step verifiers and the admin workflow.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"

	attemptmodels "veriflow/internal/attempts/models"
	"veriflow/internal/blob"
	identity "veriflow/internal/identity/models"
	"veriflow/internal/review"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/steps"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
)

type StateMachine interface {
	EnsureIdentity(ctx context.Context, userID id.UserID, email, phone string) (models.Snapshot, error)
	Snapshot(ctx context.Context, userID id.UserID) (models.Snapshot, error)
	UpdateProfile(ctx context.Context, userID id.UserID, update identity.ProfileUpdate) (models.Snapshot, error)
}

type Verifiers interface {
	SubmitEnrollmentSample(ctx context.Context, userID id.UserID, sub steps.EnrollmentSubmission) (*steps.EnrollmentResult, error)
	VerifyVoice(ctx context.Context, userID id.UserID, payloadURL string) (*steps.Outcome, error)
	VoiceLogin(ctx context.Context, sub steps.VoiceLoginSubmission) (*steps.LoginOutcome, error)
	VerifyLiveness(ctx context.Context, userID id.UserID, imageURL string) (*steps.Outcome, error)
	ProcessDocument(ctx context.Context, userID id.UserID, sub steps.DocumentSubmission) (*steps.DocumentResult, error)
}

type Reviewer interface {
	List(ctx context.Context, statuses []models.RequestStatus) ([]*models.Request, error)
	Get(ctx context.Context, requestID id.RequestID) (*review.Bundle, error)
	Decide(ctx context.Context, requestID id.RequestID, admin id.AdminID, verdict review.Verdict, notes string) (*review.Result, error)
	Open(ctx context.Context, userID id.UserID, admin id.AdminID) (*models.Request, error)
	ResetAttempts(ctx context.Context, userID id.UserID, step string, admin id.AdminID) (*attemptmodels.Counter, error)
	Audit(ctx context.Context, userID id.UserID) ([]audit.Event, error)
}

type BlobStore interface {
	Put(ctx context.Context, p blob.Payload) (string, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	machine StateMachine
	steps   Verifiers
	review  Reviewer
	blobs   BlobStore
	auditor AuditPublisher
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(machine StateMachine, verifiers Verifiers, reviewer Reviewer, blobs BlobStore, auditor AuditPublisher, opts ...Option) (*Service, error) {
	switch {
	case machine == nil:
		return nil, errors.New("state machine is required")
	case verifiers == nil:
		return nil, errors.New("step verifiers are required")
	case reviewer == nil:
		return nil, errors.New("review workflow is required")
	case blobs == nil:
		return nil, errors.New("blob store is required")
	case auditor == nil:
		return nil, errors.New("audit publisher is required")
	}
	s := &Service{
		machine: machine,
		steps:   verifiers,
		review:  reviewer,
		blobs:   blobs,
		auditor: auditor,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type EnrollmentInput struct {
	SampleIndex  int
	Audio        blob.Payload
	ExpectedText string
}

type VoiceLoginInput struct {
	Identifier string
	Question   int
	Audio      blob.Payload
}

type DocumentInput struct {
	Type    string
	Payload blob.Payload
}

// EnsureIdentity creates the caller's Identity Record on first access.
func (s *Service) EnsureIdentity(ctx context.Context, userID id.UserID, email, phone string) (models.Snapshot, error) {
	return s.machine.EnsureIdentity(ctx, userID, email, phone)
}

func (s *Service) Status(ctx context.Context, userID id.UserID) (models.Snapshot, error) {
	return s.machine.Snapshot(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, userID id.UserID, update identity.ProfileUpdate) (models.Snapshot, error) {
	return s.machine.UpdateProfile(ctx, userID, update)
}

func (s *Service) SubmitEnrollmentSample(ctx context.Context, userID id.UserID, in EnrollmentInput) (*steps.EnrollmentResult, error) {
	url, err := s.upload(ctx, userID, steps.StepVoiceEnroll, blob.KindVoice, in.Audio)
	if err != nil {
		return nil, err
	}
	return s.steps.SubmitEnrollmentSample(ctx, userID, steps.EnrollmentSubmission{
		SampleIndex:  in.SampleIndex,
		PayloadURL:   url,
		ExpectedText: in.ExpectedText,
	})
}

func (s *Service) VerifyVoice(ctx context.Context, userID id.UserID, audio blob.Payload) (*steps.Outcome, error) {
	url, err := s.upload(ctx, userID, string(attemptmodels.StepVoiceVerify), blob.KindVoice, audio)
	if err != nil {
		return nil, err
	}
	return s.steps.VerifyVoice(ctx, userID, url)
}

// VoiceLogin runs before authentication, so an upload failure is audited
// without a user id.
func (s *Service) VoiceLogin(ctx context.Context, in VoiceLoginInput) (*steps.LoginOutcome, error) {
	url, err := s.upload(ctx, id.UserID{}, string(attemptmodels.StepVoiceLogin), blob.KindVoice, in.Audio)
	if err != nil {
		return nil, err
	}
	return s.steps.VoiceLogin(ctx, steps.VoiceLoginSubmission{
		Identifier: in.Identifier,
		Question:   in.Question,
		PayloadURL: url,
	})
}

func (s *Service) VerifyLiveness(ctx context.Context, userID id.UserID, image blob.Payload) (*steps.Outcome, error) {
	url, err := s.upload(ctx, userID, string(attemptmodels.StepLiveness), blob.KindLiveness, image)
	if err != nil {
		return nil, err
	}
	return s.steps.VerifyLiveness(ctx, userID, url)
}

func (s *Service) ProcessDocument(ctx context.Context, userID id.UserID, in DocumentInput) (*steps.DocumentResult, error) {
	docType, err := models.ParseDocumentType(in.Type)
	if err != nil {
		return nil, err
	}
	url, err := s.upload(ctx, userID, steps.StepDocument, blob.KindDocument, in.Payload)
	if err != nil {
		return nil, err
	}
	return s.steps.ProcessDocument(ctx, userID, steps.DocumentSubmission{Type: docType, PayloadURL: url})
}

func (s *Service) ListRequests(ctx context.Context, statuses []models.RequestStatus) ([]*models.Request, error) {
	return s.review.List(ctx, statuses)
}

func (s *Service) GetRequest(ctx context.Context, requestID id.RequestID) (*review.Bundle, error) {
	return s.review.Get(ctx, requestID)
}

func (s *Service) Decide(ctx context.Context, requestID id.RequestID, admin id.AdminID, verdict review.Verdict, notes string) (*review.Result, error) {
	return s.review.Decide(ctx, requestID, admin, verdict, notes)
}

func (s *Service) OpenReview(ctx context.Context, userID id.UserID, admin id.AdminID) (*models.Request, error) {
	return s.review.Open(ctx, userID, admin)
}

func (s *Service) ResetAttempts(ctx context.Context, userID id.UserID, step string, admin id.AdminID) (*attemptmodels.Counter, error) {
	return s.review.ResetAttempts(ctx, userID, step, admin)
}

func (s *Service) AuditTrail(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	return s.review.Audit(ctx, userID)
}

// upload stores a capture. A payload that does not decode is the caller's
// mistake and is returned unaudited; a storage failure is audited as
// upload_failed. Neither reaches a verifier, so no attempt is consumed.
func (s *Service) upload(ctx context.Context, userID id.UserID, step string, kind blob.Kind, p blob.Payload) (string, error) {
	p.Kind = kind
	url, err := s.blobs.Put(ctx, p)
	if err == nil {
		return url, nil
	}
	if dErrors.IsUserError(err) {
		return "", err
	}

	s.logger.ErrorContext(ctx, "payload upload failed",
		"user_id", userID.String(),
		"step", step,
		"error", err,
	)
	if emitErr := s.auditor.Emit(ctx, audit.Event{
		UserID: userID,
		Action: string(audit.EventUploadFailed),
		Step:   step,
		Reason: string(dErrors.CodeUploadFailed),
	}); emitErr != nil {
		return "", dErrors.Wrap(emitErr, dErrors.CodeInternal, "failed to record audit event")
	}
	if !dErrors.HasCode(err, dErrors.CodeUploadFailed) {
		err = dErrors.Wrap(err, dErrors.CodeUploadFailed, "failed to store payload")
	}
	return "", err
}
