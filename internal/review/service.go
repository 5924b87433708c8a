// Package review implements the admin side of verification: listing and
// inspecting Verification Requests, deciding them, opening reviews on
// demand, and resetting attempt counters.
package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	attemptmodels "veriflow/internal/attempts/models"
	identity "veriflow/internal/identity/models"
	"veriflow/internal/notify"
	"veriflow/internal/verification/metrics"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/statemachine"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/sentinel"
)

var ledgerSteps = []attemptmodels.Step{
	attemptmodels.StepVoiceVerify,
	attemptmodels.StepVoiceLogin,
	attemptmodels.StepLiveness,
}

var errAlreadyDecided = errors.New("request already decided")

type StateMachine interface {
	ApplyTransition(ctx context.Context, userID id.UserID, t statemachine.Transition) (models.Snapshot, error)
	Snapshot(ctx context.Context, userID id.UserID) (models.Snapshot, error)
	Identity(ctx context.Context, userID id.UserID) (*identity.Identity, error)
	VoiceProfile(ctx context.Context, userID id.UserID) (*identity.VoiceProfile, error)
}

type RequestReader interface {
	Get(ctx context.Context, requestID id.RequestID) (*models.Request, error)
	List(ctx context.Context, statuses []models.RequestStatus) ([]*models.Request, error)
}

type Ledger interface {
	Get(ctx context.Context, userID id.UserID, step attemptmodels.Step) (*attemptmodels.Counter, error)
	Reset(ctx context.Context, userID id.UserID, step attemptmodels.Step, actor id.AdminID) (*attemptmodels.Counter, error)
}

type AuditTrail interface {
	Emit(ctx context.Context, event audit.Event) error
	List(ctx context.Context, userID id.UserID) ([]audit.Event, error)
}

// Dispatcher receives decisions for best-effort notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, d notify.Decision) bool
}

type Service struct {
	machine    StateMachine
	requests   RequestReader
	ledger     Ledger
	audit      AuditTrail
	dispatcher Dispatcher

	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Service)

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(machine StateMachine, requests RequestReader, ledger Ledger, trail AuditTrail, opts ...Option) (*Service, error) {
	switch {
	case machine == nil:
		return nil, errors.New("state machine is required")
	case requests == nil:
		return nil, errors.New("request store is required")
	case ledger == nil:
		return nil, errors.New("attempt ledger is required")
	case trail == nil:
		return nil, errors.New("audit trail is required")
	}
	s := &Service{
		machine:  machine,
		requests: requests,
		ledger:   ledger,
		audit:    trail,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// List returns requests in the given statuses, oldest first.
func (s *Service) List(ctx context.Context, statuses []models.RequestStatus) ([]*models.Request, error) {
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	requests, err := s.requests.List(ctx, statuses)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list verification requests")
	}
	return requests, nil
}

// Get assembles the evidence bundle for one request.
func (s *Service) Get(ctx context.Context, requestID id.RequestID) (*Bundle, error) {
	req, err := s.request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	snap, err := s.machine.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	profile, err := s.machine.VoiceProfile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	attempts := make([]*attemptmodels.Counter, 0, len(ledgerSteps))
	for _, step := range ledgerSteps {
		c, err := s.ledger.Get(ctx, req.UserID, step)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, c)
	}
	trail, err := s.Audit(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Request:  req,
		Snapshot: snap,
		Voice:    summarize(profile),
		Attempts: attempts,
		Audit:    trail,
	}, nil
}

// Audit returns the user's audit trail, oldest first.
func (s *Service) Audit(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	events, err := s.audit.List(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit trail")
	}
	return events, nil
}

// Decide approves or rejects a pending request. Approval sets admin_approved
// and, the first time only, payment_released. The decision and its audit
// entries commit together; a request that is no longer pending is refused
// with already_decided.
func (s *Service) Decide(ctx context.Context, requestID id.RequestID, admin id.AdminID, verdict Verdict, notes string) (*Result, error) {
	notes = strings.TrimSpace(notes)
	if verdict == VerdictReject && notes == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a rejection requires notes")
	}
	req, err := s.request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	userID := req.UserID

	var decided *models.Request
	var released bool
	snap, err := s.machine.ApplyTransition(ctx, userID, statemachine.Transition{
		Name: "admin_decision",
		Apply: func(ctx context.Context, st *statemachine.State) error {
			r, err := st.Request(ctx, requestID)
			if err != nil {
				return err
			}
			if !r.IsPending() {
				return errAlreadyDecided
			}
			now := st.Now
			r.DecidedAt = &now
			r.DecidedBy = admin.String()
			r.Notes = notes

			base := audit.Event{
				VerificationRequestID: requestID.String(),
				ActorID:               admin.String(),
			}
			if verdict == VerdictReject {
				r.Status = models.StatusRejected
				st.Identity.AdminApproved = false
				ev := base
				ev.Action = string(audit.EventAdminRejected)
				ev.Decision = string(models.StatusRejected)
				st.Emit(ev)
				decided = r.Clone()
				return nil
			}

			r.Status = models.StatusApproved
			st.Identity.AdminApproved = true
			ev := base
			ev.Action = string(audit.EventAdminApproved)
			ev.Decision = string(models.StatusApproved)
			st.Emit(ev)
			if !st.Identity.PaymentReleased {
				st.Identity.PaymentReleased = true
				released = true
				rel := base
				rel.Action = string(audit.EventPaymentReleased)
				st.Emit(rel)
			}
			decided = r.Clone()
			return nil
		},
	})
	if errors.Is(err, errAlreadyDecided) {
		return nil, s.alreadyDecided(ctx, userID, requestID, admin)
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "verification request not found")
	}
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementDecision(string(decided.Status))
	s.logger.InfoContext(ctx, "verification request decided",
		"user_id", userID.String(),
		"verification_request_id", requestID.String(),
		"actor_id", admin.String(),
		"decision", string(decided.Status),
		"payment_released", released,
	)
	s.notify(ctx, decided, snap, admin)
	return &Result{Request: decided, Snapshot: snap}, nil
}

// Open starts a review for a user regardless of step progress.
func (s *Service) Open(ctx context.Context, userID id.UserID, admin id.AdminID) (*models.Request, error) {
	var opened *models.Request
	_, err := s.machine.ApplyTransition(ctx, userID, statemachine.Transition{
		Name: "open_review",
		Apply: func(_ context.Context, st *statemachine.State) error {
			r, err := st.OpenReview()
			if err != nil {
				return err
			}
			r.AssignedAdmin = admin.String()
			opened = r.Clone()
			return nil
		},
	})
	if errors.Is(err, sentinel.ErrConflict) {
		return nil, dErrors.New(dErrors.CodeConflict, "a verification request is already pending for this user")
	}
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "review opened by operator",
		"user_id", userID.String(),
		"verification_request_id", opened.ID.String(),
		"actor_id", admin.String(),
	)
	return opened, nil
}

// ResetAttempts restores a step's counter to its maximum.
func (s *Service) ResetAttempts(ctx context.Context, userID id.UserID, step string, admin id.AdminID) (*attemptmodels.Counter, error) {
	parsed, err := attemptmodels.ParseStep(step)
	if err != nil {
		return nil, err
	}
	if _, err := s.machine.Identity(ctx, userID); err != nil {
		return nil, err
	}
	return s.ledger.Reset(ctx, userID, parsed, admin)
}

func (s *Service) request(ctx context.Context, requestID id.RequestID) (*models.Request, error) {
	req, err := s.requests.Get(ctx, requestID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "verification request not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification request")
	}
	return req, nil
}

func (s *Service) alreadyDecided(ctx context.Context, userID id.UserID, requestID id.RequestID, admin id.AdminID) error {
	s.logger.WarnContext(ctx, "decision on a request that is no longer pending",
		"user_id", userID.String(),
		"verification_request_id", requestID.String(),
		"actor_id", admin.String(),
	)
	if err := s.audit.Emit(ctx, audit.Event{
		UserID:                userID,
		Action:                string(audit.EventInternalInconsistency),
		Reason:                string(dErrors.CodeAlreadyDecided),
		VerificationRequestID: requestID.String(),
		ActorID:               admin.String(),
	}); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return dErrors.New(dErrors.CodeAlreadyDecided, "verification request was already decided")
}

func (s *Service) notify(ctx context.Context, r *models.Request, snap models.Snapshot, admin id.AdminID) {
	if s.dispatcher == nil {
		return
	}
	d := notify.Decision{
		RequestID:       r.ID,
		UserID:          r.UserID,
		Approved:        r.Status == models.StatusApproved,
		Notes:           r.Notes,
		PaymentReleased: snap.PaymentReleased,
		DecidedBy:       admin,
	}
	if r.DecidedAt != nil {
		d.DecidedAt = *r.DecidedAt
	}
	if ident, err := s.machine.Identity(ctx, r.UserID); err == nil {
		d.Email = ident.Email
		d.FullName = ident.FullName
	}
	s.dispatcher.Dispatch(ctx, d)
}
