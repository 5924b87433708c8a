package steps

import (
	"context"

	"veriflow/internal/matching/providers"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/statemachine"
	id "veriflow/pkg/domain"
	audit "veriflow/pkg/platform/audit"
)

type DocumentSubmission struct {
	Type       models.DocumentType
	PayloadURL string
}

type DocumentResult struct {
	ExtractedText string          `json:"extracted_text"`
	TamperFlag    *bool           `json:"tamper_flag"`
	QualityScore  *float64        `json:"quality_score"`
	RequestID     *id.RequestID   `json:"request_id,omitempty"`
	DocumentURL   string          `json:"document_url"`
	Provider      string          `json:"provider"`
	Degraded      bool            `json:"degraded,omitempty"`
	Snapshot      models.Snapshot `json:"snapshot"`
}

// ProcessDocument extracts text and tamper signals from an identity document
// and attaches them to the pending review request. Documents are not
// attempt-limited; a tamper flag is evidence for the reviewer, not a
// rejection.
func (s *Service) ProcessDocument(ctx context.Context, userID id.UserID, sub DocumentSubmission) (*DocumentResult, error) {
	res, err := s.adapter.Match(ctx, providers.MatchRequest{
		Kind:       providers.KindDocument,
		PayloadURL: sub.PayloadURL,
	})
	if err != nil {
		return nil, s.providerFailure(ctx, userID, StepDocument, err)
	}

	var requestID *id.RequestID
	snap, err := s.machine.ApplyTransition(ctx, userID, statemachine.Transition{
		Name:           StepDocument,
		ConsiderReview: true,
		Apply: func(_ context.Context, st *statemachine.State) error {
			st.Identity.DocumentVerified = true
			if r, ok := st.OpenOrUpdate(models.Evidence{
				DocumentURL:  sub.PayloadURL,
				DocumentType: sub.Type,
				DocumentText: res.ExtractedText,
				TamperFlag:   res.TamperFlag,
				QualityScore: res.QualityScore,
			}); ok {
				rid := r.ID
				requestID = &rid
			}
			var reason string
			if res.TamperFlag != nil && *res.TamperFlag {
				reason = ReasonTamperSuspected
			}
			st.Emit(audit.Event{
				Action:   string(audit.EventDocumentProcessed),
				Step:     StepDocument,
				Reason:   reason,
				Provider: res.Provider,
				Score:    res.QualityScore,
			})
			if res.Degraded {
				st.Emit(fallbackEvent(StepDocument, res.Provider, res.FallbackReason))
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementStepOutcome(StepDocument, "processed")

	return &DocumentResult{
		ExtractedText: res.ExtractedText,
		TamperFlag:    res.TamperFlag,
		QualityScore:  res.QualityScore,
		RequestID:     requestID,
		DocumentURL:   sub.PayloadURL,
		Provider:      res.Provider,
		Degraded:      res.Degraded,
		Snapshot:      snap,
	}, nil
}
