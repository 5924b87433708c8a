package steps

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	identity "veriflow/internal/identity/models"
	"veriflow/internal/matching/providers"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/statemachine"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/requestcontext"
)

var (
	errSampleOrder     = errors.New("sample out of order")
	errAlreadyEnrolled = errors.New("already enrolled")
)

type EnrollmentSubmission struct {
	SampleIndex  int
	PayloadURL   string
	ExpectedText string
}

type EnrollmentResult struct {
	SampleIndex int                      `json:"sample_index"`
	State       identity.EnrollmentState `json:"enrollment_state"`
	Enrolled    bool                     `json:"enrolled"`
	Score       float64                  `json:"score"`
	Provider    string                   `json:"provider"`
	Degraded    bool                     `json:"degraded,omitempty"`
	Snapshot    models.Snapshot          `json:"snapshot"`
}

// prompt is the phrase a sample must contain. Dates accept several spoken
// renderings.
type prompt struct {
	text string
	date *time.Time
}

func (p prompt) matches(transcript string) bool {
	if p.date != nil {
		return dateMatches(transcript, *p.date)
	}
	return phraseMatches(transcript, p.text)
}

// enrollmentPrompt derives the phrase for a sample: full name, date of
// birth, then today's date.
func enrollmentPrompt(ident *identity.Identity, index int, now time.Time) (prompt, bool) {
	switch index {
	case 1:
		name := strings.TrimSpace(ident.FullName)
		return prompt{text: name}, name != ""
	case 2:
		dob, ok := ident.BirthDate()
		if !ok {
			return prompt{}, false
		}
		return prompt{text: dob.Format(SpokenDateLayout), date: &dob}, true
	default:
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return prompt{text: today.Format(SpokenDateLayout), date: &today}, true
	}
}

// SubmitEnrollmentSample accepts sample 1..3 in order. The third accepted
// sample triggers fusion into a voice model.
func (s *Service) SubmitEnrollmentSample(ctx context.Context, userID id.UserID, sub EnrollmentSubmission) (*EnrollmentResult, error) {
	if sub.SampleIndex < 1 || sub.SampleIndex > identity.RequiredSamples {
		return nil, dErrors.New(dErrors.CodeValidation, "sample_index must be between 1 and 3")
	}

	ident, err := s.machine.Identity(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile, err := s.machine.VoiceProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = identity.NewVoiceProfile(userID, requestcontext.Now(ctx))
	}
	if profile.IsEnrolled {
		return nil, s.inconsistency(ctx, userID, StepVoiceEnroll, "already_enrolled", "voice enrollment is already complete")
	}
	if !profile.CanAccept(sub.SampleIndex) {
		return nil, s.inconsistency(ctx, userID, StepVoiceEnroll, ReasonSampleOutOfOrder, "sample submitted out of order")
	}

	p, ok := enrollmentPrompt(ident, sub.SampleIndex, requestcontext.Now(ctx))
	if !ok {
		return nil, s.inconsistency(ctx, userID, StepVoiceEnroll, ReasonMissingField, "profile is missing the field this sample reads")
	}
	if sub.ExpectedText != "" && !p.matches(sub.ExpectedText) {
		return nil, dErrors.New(dErrors.CodeUserError, "expected_text does not match the prompted phrase")
	}

	res, err := s.adapter.Match(ctx, providers.MatchRequest{
		Kind:       providers.KindVoiceSample,
		PayloadURL: sub.PayloadURL,
		Expected:   p.text,
	})
	if err != nil {
		return nil, s.providerFailure(ctx, userID, StepVoiceEnroll, err)
	}
	if !res.IsMatch {
		return nil, s.rejectSample(ctx, userID, sub.SampleIndex, ReasonLowQuality, res)
	}
	if res.Transcribed != nil && !p.matches(*res.Transcribed) {
		return nil, s.rejectSample(ctx, userID, sub.SampleIndex, ReasonPhraseMismatch, res)
	}

	var sampleURLs []string
	snap, err := s.machine.ApplyTransition(ctx, userID, statemachine.Transition{
		Name: "enrollment_sample",
		Apply: func(_ context.Context, st *statemachine.State) error {
			vp := st.MutableProfile()
			if err := vp.AddSample(identity.VoiceSample{
				Index:      sub.SampleIndex,
				URL:        sub.PayloadURL,
				Score:      res.Score,
				Provider:   res.Provider,
				CapturedAt: st.Now,
			}); err != nil {
				return errSampleOrder
			}
			sampleURLs = vp.SampleURLs()
			st.Emit(audit.Event{
				Action:   string(audit.EventEnrollmentSuccess),
				Step:     StepVoiceEnroll,
				Provider: res.Provider,
				Score:    audit.Score(res.Score),
				Reason:   sampleReason(sub.SampleIndex),
			})
			if res.Degraded {
				st.Emit(fallbackEvent(StepVoiceEnroll, res.Provider, res.FallbackReason))
			}
			return nil
		},
	})
	if errors.Is(err, errSampleOrder) {
		return nil, s.inconsistency(ctx, userID, StepVoiceEnroll, ReasonSampleOutOfOrder, "sample submitted out of order")
	}
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementStepOutcome(StepVoiceEnroll, "sample_accepted")

	result := &EnrollmentResult{
		SampleIndex: sub.SampleIndex,
		State:       snap.EnrollmentState,
		Score:       res.Score,
		Provider:    res.Provider,
		Degraded:    res.Degraded,
		Snapshot:    snap,
	}
	if len(sampleURLs) < identity.RequiredSamples {
		return result, nil
	}
	return s.completeEnrollment(ctx, userID, sampleURLs, result)
}

func (s *Service) completeEnrollment(ctx context.Context, userID id.UserID, sampleURLs []string, result *EnrollmentResult) (*EnrollmentResult, error) {
	fused, err := s.adapter.Enroll(ctx, sampleURLs)
	if err != nil {
		// The third sample stays captured; resubmitting it retries fusion.
		return nil, s.providerFailure(ctx, userID, StepVoiceEnroll, err)
	}

	snap, err := s.machine.ApplyTransition(ctx, userID, statemachine.Transition{
		Name:           "enrollment_complete",
		ConsiderReview: true,
		Apply: func(_ context.Context, st *statemachine.State) error {
			vp := st.MutableProfile()
			if vp.IsEnrolled {
				return errAlreadyEnrolled
			}
			if err := vp.MarkEnrolled(fused.ModelRef, fused.Score, fused.Provider, st.Now); err != nil {
				return errSampleOrder
			}
			if s.enrollmentSatisfiesVoice {
				st.Identity.VoiceVerified = true
			}
			st.Emit(audit.Event{
				Action:   string(audit.EventVoiceEnrolled),
				Step:     StepVoiceEnroll,
				Provider: fused.Provider,
				Score:    audit.Score(fused.Score),
			})
			if fused.Degraded {
				st.Emit(fallbackEvent(StepVoiceEnroll, fused.Provider, fused.FallbackReason))
			}
			return nil
		},
	})
	switch {
	case errors.Is(err, errAlreadyEnrolled):
		return nil, s.inconsistency(ctx, userID, StepVoiceEnroll, "already_enrolled", "voice enrollment is already complete")
	case errors.Is(err, errSampleOrder):
		return nil, s.inconsistency(ctx, userID, StepVoiceEnroll, ReasonSampleOutOfOrder, "enrollment samples changed during fusion")
	case err != nil:
		return nil, err
	}
	s.metrics.IncrementStepOutcome(StepVoiceEnroll, "enrolled")
	s.logger.InfoContext(ctx, "voice enrollment complete",
		"user_id", userID.String(),
		"provider", fused.Provider,
	)

	result.State = snap.EnrollmentState
	result.Enrolled = true
	result.Score = fused.Score
	result.Provider = fused.Provider
	result.Degraded = result.Degraded || fused.Degraded
	result.Snapshot = snap
	return result, nil
}

// rejectSample records a user-correctable sample failure. The ledger is not
// involved in enrollment.
func (s *Service) rejectSample(ctx context.Context, userID id.UserID, index int, reason string, res *providers.MatchResult) error {
	s.metrics.IncrementStepOutcome(StepVoiceEnroll, reason)
	if err := s.emit(ctx, audit.Event{
		UserID:   userID,
		Action:   string(audit.EventEnrollmentFailure),
		Step:     StepVoiceEnroll,
		Reason:   reason,
		Provider: res.Provider,
		Score:    audit.Score(res.Score),
	}); err != nil {
		return err
	}
	if res.Degraded {
		if err := s.emit(ctx, withUser(fallbackEvent(StepVoiceEnroll, res.Provider, res.FallbackReason), userID)); err != nil {
			return err
		}
	}
	return dErrors.New(dErrors.CodeUserError, reason)
}

func sampleReason(index int) string {
	return "sample_" + strconv.Itoa(index)
}

func withUser(event audit.Event, userID id.UserID) audit.Event {
	event.UserID = userID
	return event
}
