package steps

import (
	"context"
	"errors"
	"strings"
	"time"

	attemptmodels "veriflow/internal/attempts/models"
	identity "veriflow/internal/identity/models"
	"veriflow/internal/matching/providers"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/statemachine"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/sentinel"
)

type VoiceLoginSubmission struct {
	Identifier string
	Question   int
	PayloadURL string
}

// LoginOutcome adds the challenge position to an Outcome. UserID is set once
// the identifier resolved, so the caller can mint a session on Completed.
type LoginOutcome struct {
	Outcome
	Question  int       `json:"question"`
	Completed bool      `json:"completed"`
	UserID    id.UserID `json:"user_id"`
}

// verdict describes how a ledger-backed step ends.
type verdict struct {
	step     attemptmodels.Step
	success  bool
	reason   string
	action   audit.AuditEvent
	res      *providers.MatchResult
	review   bool
	mutate   func(st *statemachine.State)
	evidence models.Evidence
}

// settle records the ledger outcome and applies the step's projection change
// in one transition. When the transition never reached the ledger, for
// instance because the user lock timed out, the reservation is released.
func (s *Service) settle(ctx context.Context, userID id.UserID, v verdict) (*Outcome, error) {
	var counter *attemptmodels.Counter
	recorded := false
	snap, err := s.machine.ApplyTransition(ctx, userID, statemachine.Transition{
		Name:           string(v.step),
		ConsiderReview: v.review,
		Apply: func(ctx context.Context, st *statemachine.State) error {
			var err error
			counter, err = s.ledger.RecordOutcome(ctx, userID, v.step, v.success)
			if err != nil {
				return err
			}
			recorded = true
			if v.mutate != nil {
				v.mutate(st)
			}
			st.Emit(audit.Event{
				Action:   string(v.action),
				Step:     string(v.step),
				Reason:   v.reason,
				Provider: v.res.Provider,
				Score:    audit.Score(v.res.Score),
			})
			if v.res.Degraded {
				st.Emit(fallbackEvent(string(v.step), v.res.Provider, v.res.FallbackReason))
			}
			return nil
		},
	})
	if err != nil {
		if !recorded {
			s.release(ctx, userID, v.step)
		}
		return nil, err
	}

	outcome := "success"
	if !v.success {
		outcome = v.reason
	}
	s.metrics.IncrementStepOutcome(string(v.step), outcome)
	return &Outcome{
		Verified:  v.success,
		Reason:    v.reason,
		Remaining: counter.Remaining,
		Provider:  v.res.Provider,
		Score:     v.res.Score,
		Degraded:  v.res.Degraded,
		Snapshot:  &snap,
	}, nil
}

func recordVoiceMatch(res *providers.MatchResult) func(st *statemachine.State) {
	return func(st *statemachine.State) {
		if st.Profile() != nil {
			st.MutableProfile().RecordMatch(res.Score, res.Provider, st.Now)
		}
	}
}

func markVoiceVerified(res *providers.MatchResult) func(st *statemachine.State) {
	record := recordVoiceMatch(res)
	return func(st *statemachine.State) {
		record(st)
		st.Identity.VoiceVerified = true
		score := res.Score
		st.UpdatePending(models.Evidence{VoiceMatchScore: &score})
	}
}

// VerifyVoice re-verifies an authenticated, enrolled user against the enrolled
// voice model.
func (s *Service) VerifyVoice(ctx context.Context, userID id.UserID, payloadURL string) (*Outcome, error) {
	step := attemptmodels.StepVoiceVerify

	profile, err := s.enrolledProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, s.needsEnrollment(ctx, userID, string(step))
	}
	if err := s.reserve(ctx, userID, step); err != nil {
		return nil, err
	}

	res, err := s.matchOrRelease(ctx, userID, step, voiceRequest(profile, payloadURL, ""))
	if err != nil {
		return nil, err
	}
	if !res.IsMatch {
		return s.settle(ctx, userID, verdict{
			step: step, reason: ReasonVoiceMismatch, action: audit.EventVerificationFailure,
			res: res, mutate: recordVoiceMatch(res),
		})
	}
	return s.settle(ctx, userID, verdict{
		step: step, success: true, action: audit.EventVerificationSuccess,
		res: res, review: true, mutate: markVoiceVerified(res),
	})
}

// VoiceLogin answers one of the two pre-authentication challenge questions:
// 1 is the full name, 2 the date of birth. Question 2 is accepted only while
// a question 1 pass is on record.
func (s *Service) VoiceLogin(ctx context.Context, sub VoiceLoginSubmission) (*LoginOutcome, error) {
	step := attemptmodels.StepVoiceLogin
	if sub.Question != 1 && sub.Question != 2 {
		return nil, dErrors.New(dErrors.CodeValidation, "question must be 1 or 2")
	}

	ident, err := s.resolve(ctx, sub.Identifier)
	if err != nil {
		return nil, err
	}
	userID := ident.ID

	profile, err := s.enrolledProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, s.needsEnrollment(ctx, userID, string(step))
	}

	if sub.Question == 2 {
		passed, err := s.challenges.Passed(ctx, userID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read challenge state")
		}
		if !passed {
			return nil, s.inconsistency(ctx, userID, string(step), ReasonOutOfOrder, "question 1 must be passed first")
		}
	}

	answer, ok := loginPrompt(ident, sub.Question)
	if !ok {
		return nil, s.inconsistency(ctx, userID, string(step), ReasonMissingField, "profile is missing the answer to this question")
	}

	if err := s.reserve(ctx, userID, step); err != nil {
		return nil, err
	}
	res, err := s.matchOrRelease(ctx, userID, step, voiceRequest(profile, sub.PayloadURL, answer.text))
	if err != nil {
		return nil, err
	}
	if res.Transcribed == nil {
		// A comparator that cannot transcribe cannot check the answer.
		s.release(ctx, userID, step)
		return nil, s.providerFailure(ctx, userID, string(step),
			dErrors.New(dErrors.CodeServiceUnavailable, "speech recognition is unavailable, retry later"))
	}

	login := func(o *Outcome) *LoginOutcome {
		return &LoginOutcome{Outcome: *o, Question: sub.Question, UserID: userID}
	}

	var reason string
	switch {
	case !res.IsMatch:
		reason = ReasonVoiceMismatch
	case !answer.matches(*res.Transcribed):
		reason = ReasonAnswerMismatch
	}
	if reason != "" {
		o, err := s.settle(ctx, userID, verdict{
			step: step, reason: reason, action: audit.EventVerificationFailure,
			res: res, mutate: recordVoiceMatch(res),
		})
		if err != nil {
			return nil, err
		}
		o.Snapshot = nil
		return login(o), nil
	}

	if sub.Question == 1 {
		return s.passFirstQuestion(ctx, userID, res, login)
	}

	o, err := s.settle(ctx, userID, verdict{
		step: step, success: true, reason: "question_2", action: audit.EventVerificationSuccess,
		res: res, review: true, mutate: markVoiceVerified(res),
	})
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Clear(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to clear login challenge", "user_id", userID.String(), "error", err)
	}
	o.Snapshot = nil
	out := login(o)
	out.Completed = true
	return out, nil
}

// passFirstQuestion opens the question 2 gate. The reservation is returned
// unspent: only the final question settles the ledger.
func (s *Service) passFirstQuestion(ctx context.Context, userID id.UserID, res *providers.MatchResult, login func(*Outcome) *LoginOutcome) (*LoginOutcome, error) {
	step := attemptmodels.StepVoiceLogin
	if err := s.ledger.Release(ctx, userID, step); err != nil {
		return nil, err
	}
	if err := s.challenges.Record(ctx, userID, s.challengeTTL); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record challenge state")
	}
	_, err := s.machine.ApplyTransition(ctx, userID, statemachine.Transition{
		Name: "voice_login_question_1",
		Apply: func(_ context.Context, st *statemachine.State) error {
			recordVoiceMatch(res)(st)
			st.Emit(audit.Event{
				Action:   string(audit.EventVerificationSuccess),
				Step:     string(step),
				Reason:   "question_1",
				Provider: res.Provider,
				Score:    audit.Score(res.Score),
			})
			if res.Degraded {
				st.Emit(fallbackEvent(string(step), res.Provider, res.FallbackReason))
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementStepOutcome(string(step), "question_1")

	remaining, err := s.remaining(ctx, userID, step)
	if err != nil {
		return nil, err
	}
	return login(&Outcome{
		Verified:  true,
		Remaining: remaining,
		Provider:  res.Provider,
		Score:     res.Score,
		Degraded:  res.Degraded,
	}), nil
}

func (s *Service) remaining(ctx context.Context, userID id.UserID, step attemptmodels.Step) (int, error) {
	c, err := s.ledger.Get(ctx, userID, step)
	if err != nil {
		return 0, err
	}
	return c.Remaining, nil
}

// resolve maps a login identifier to its Identity Record. Unknown
// identifiers are audited by hash only.
func (s *Service) resolve(ctx context.Context, identifier string) (*identity.Identity, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "identifier is required")
	}
	ident, err := s.contacts.FindByContact(ctx, identifier)
	if errors.Is(err, sentinel.ErrNotFound) {
		normalized, _ := identity.NormalizeIdentifier(identifier)
		if emitErr := s.emit(ctx, audit.Event{
			Action:        string(audit.EventVerificationFailure),
			Step:          string(attemptmodels.StepVoiceLogin),
			Reason:        ReasonUnknownUser,
			SubjectIDHash: audit.HashSubject(normalized),
		}); emitErr != nil {
			return nil, emitErr
		}
		return nil, dErrors.New(dErrors.CodeNotFound, "no account matches this identifier")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve identifier")
	}
	return ident, nil
}

// loginPrompt reuses the first two enrollment phrases as the challenge
// answers.
func loginPrompt(ident *identity.Identity, question int) (prompt, bool) {
	return enrollmentPrompt(ident, question, time.Time{})
}

func voiceRequest(profile *identity.VoiceProfile, payloadURL, expected string) providers.MatchRequest {
	return providers.MatchRequest{
		Kind:             providers.KindVoiceVerify,
		PayloadURL:       payloadURL,
		ReferenceModel:   profile.ModelRef,
		ReferenceSamples: profile.SampleURLs(),
		Expected:         expected,
	}
}
