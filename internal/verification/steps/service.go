// Package steps holds the Step Verifiers. Each verifier takes one
// submission, consults the Attempt Ledger, calls the matching Adapter outside
// the user's lock, and proposes a State Machine transition carrying its audit
// events.
package steps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	attemptmodels "veriflow/internal/attempts/models"
	identity "veriflow/internal/identity/models"
	"veriflow/internal/matching/providers"
	"veriflow/internal/verification/metrics"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/statemachine"
	"veriflow/internal/verification/store"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
)

// Audit step names.
const (
	StepVoiceEnroll = "voice_enroll"
	StepDocument    = "document"
)

const defaultChallengeTTL = 10 * time.Minute

type StateMachine interface {
	ApplyTransition(ctx context.Context, userID id.UserID, t statemachine.Transition) (models.Snapshot, error)
	Identity(ctx context.Context, userID id.UserID) (*identity.Identity, error)
	VoiceProfile(ctx context.Context, userID id.UserID) (*identity.VoiceProfile, error)
}

type Adapter interface {
	Match(ctx context.Context, req providers.MatchRequest) (*providers.MatchResult, error)
	Enroll(ctx context.Context, sampleURLs []string) (*providers.EnrollResult, error)
}

type Ledger interface {
	ConsumeAttempt(ctx context.Context, userID id.UserID, step attemptmodels.Step) (attemptmodels.Reservation, error)
	RecordOutcome(ctx context.Context, userID id.UserID, step attemptmodels.Step, success bool) (*attemptmodels.Counter, error)
	Release(ctx context.Context, userID id.UserID, step attemptmodels.Step) error
	Get(ctx context.Context, userID id.UserID, step attemptmodels.Step) (*attemptmodels.Counter, error)
}

// ContactLookup resolves a login identifier (email or phone) to a user.
type ContactLookup interface {
	FindByContact(ctx context.Context, identifier string) (*identity.Identity, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	machine    StateMachine
	adapter    Adapter
	ledger     Ledger
	contacts   ContactLookup
	auditor    AuditPublisher
	challenges store.ChallengeStore

	enrollmentSatisfiesVoice bool
	challengeTTL             time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Service)

func WithChallengeStore(challenges store.ChallengeStore) Option {
	return func(s *Service) { s.challenges = challenges }
}

// WithEnrollmentSatisfiesVoice makes a completed enrollment set
// voice_verified without a separate verification.
func WithEnrollmentSatisfiesVoice(v bool) Option {
	return func(s *Service) { s.enrollmentSatisfiesVoice = v }
}

// WithChallengeTTL bounds how long a voice-login question 1 pass stays valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.challengeTTL = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(machine StateMachine, adapter Adapter, ledger Ledger, contacts ContactLookup, auditor AuditPublisher, opts ...Option) (*Service, error) {
	switch {
	case machine == nil:
		return nil, errors.New("state machine is required")
	case adapter == nil:
		return nil, errors.New("matching adapter is required")
	case ledger == nil:
		return nil, errors.New("attempt ledger is required")
	case contacts == nil:
		return nil, errors.New("contact lookup is required")
	case auditor == nil:
		return nil, errors.New("audit publisher is required")
	}
	s := &Service{
		machine:      machine,
		adapter:      adapter,
		ledger:       ledger,
		contacts:     contacts,
		auditor:      auditor,
		challenges:   store.NewInMemoryChallenges(),
		challengeTTL: defaultChallengeTTL,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Outcome is the verdict of a ledger-backed step. A failed verdict is not an
// error: it carries the reason and the attempts left.
type Outcome struct {
	Verified  bool             `json:"verified"`
	Reason    string           `json:"reason,omitempty"`
	Remaining int              `json:"remaining_attempts"`
	Provider  string           `json:"provider"`
	Score     float64          `json:"score"`
	Degraded  bool             `json:"degraded,omitempty"`
	ImageURL  string           `json:"image_url,omitempty"`
	Snapshot  *models.Snapshot `json:"snapshot,omitempty"`
}

// Failure reasons reported to clients.
const (
	ReasonVoiceMismatch    = "voice_mismatch"
	ReasonAnswerMismatch   = "answer_mismatch"
	ReasonLowQuality       = "low_quality"
	ReasonPhraseMismatch   = "phrase_mismatch"
	ReasonLivenessFailed   = "liveness_failed"
	ReasonTamperSuspected  = "tamper_suspected"
	ReasonOutOfOrder       = "question_out_of_order"
	ReasonSampleOutOfOrder = "sample_out_of_order"
	ReasonMissingField     = "missing_profile_field"
	ReasonUnknownUser      = "unknown_identifier"
)

// reserve takes one attempt. Refusals become errors; the ledger has already
// audited them.
func (s *Service) reserve(ctx context.Context, userID id.UserID, step attemptmodels.Step) error {
	res, err := s.ledger.ConsumeAttempt(ctx, userID, step)
	if err != nil {
		return err
	}
	if res.Allowed {
		return nil
	}
	if res.InProgress {
		return dErrors.New(dErrors.CodeAttemptInProgress, "another attempt is in progress")
	}
	s.metrics.IncrementAttemptsExhausted(string(step))
	return dErrors.New(dErrors.CodeAttemptsExhausted, "no attempts remaining")
}

// matchOrRelease calls the adapter under a held reservation. Any error
// returns the reservation unspent.
func (s *Service) matchOrRelease(ctx context.Context, userID id.UserID, step attemptmodels.Step, req providers.MatchRequest) (*providers.MatchResult, error) {
	res, err := s.adapter.Match(ctx, req)
	if err == nil {
		return res, nil
	}
	s.release(ctx, userID, step)
	return nil, s.providerFailure(ctx, userID, string(step), err)
}

// release returns a reservation unspent. It ignores the caller's cancellation
// so an abandoned request does not leave the unit in flight until the lease
// runs out.
func (s *Service) release(ctx context.Context, userID id.UserID, step attemptmodels.Step) {
	if err := s.ledger.Release(context.WithoutCancel(ctx), userID, step); err != nil {
		s.logger.ErrorContext(ctx, "failed to release attempt",
			"user_id", userID.String(),
			"step", string(step),
			"error", err,
		)
	}
}

// providerFailure audits a failed adapter call. Invalid payloads are user
// errors and pass through unaudited.
func (s *Service) providerFailure(ctx context.Context, userID id.UserID, step string, err error) error {
	if dErrors.IsUserError(err) {
		s.metrics.IncrementStepOutcome(step, string(dErrors.GetCode(err)))
		return err
	}
	s.metrics.IncrementStepOutcome(step, string(dErrors.CodeServiceUnavailable))
	s.logger.ErrorContext(ctx, "matching failed",
		"user_id", userID.String(),
		"step", step,
		"error", err,
	)
	if emitErr := s.emit(ctx, audit.Event{
		UserID: userID,
		Action: string(audit.EventServiceUnavailable),
		Step:   step,
		Reason: string(dErrors.GetCode(err)),
	}); emitErr != nil {
		return emitErr
	}
	return err
}

// inconsistency audits and returns a sequencing error.
func (s *Service) inconsistency(ctx context.Context, userID id.UserID, step, reason, msg string) error {
	s.logger.WarnContext(ctx, "internal inconsistency",
		"user_id", userID.String(),
		"step", step,
		"reason", reason,
	)
	if err := s.emit(ctx, audit.Event{
		UserID: userID,
		Action: string(audit.EventInternalInconsistency),
		Step:   step,
		Reason: reason,
	}); err != nil {
		return err
	}
	return dErrors.New(dErrors.CodeInvalidState, msg)
}

func (s *Service) needsEnrollment(ctx context.Context, userID id.UserID, step string) error {
	if err := s.emit(ctx, audit.Event{
		UserID: userID,
		Action: string(audit.EventNeedsEnrollment),
		Step:   step,
		Reason: string(dErrors.CodeNeedsEnrollment),
	}); err != nil {
		return err
	}
	s.metrics.IncrementStepOutcome(step, string(dErrors.CodeNeedsEnrollment))
	return dErrors.New(dErrors.CodeNeedsEnrollment, "voice enrollment is required first")
}

// fallbackEvent records that the internal comparator served a step.
func fallbackEvent(step, provider, reason string) audit.Event {
	return audit.Event{
		Action:   string(audit.EventProviderFallback),
		Step:     step,
		Provider: provider,
		Reason:   reason,
	}
}

func (s *Service) emit(ctx context.Context, event audit.Event) error {
	if err := s.auditor.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func (s *Service) enrolledProfile(ctx context.Context, userID id.UserID) (*identity.VoiceProfile, error) {
	profile, err := s.machine.VoiceProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil || !profile.IsEnrolled {
		return nil, nil
	}
	return profile, nil
}
