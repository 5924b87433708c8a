package steps

import (
	"context"

	attemptmodels "veriflow/internal/attempts/models"
	"veriflow/internal/matching/providers"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/statemachine"
	id "veriflow/pkg/domain"
	audit "veriflow/pkg/platform/audit"
)

// VerifyLiveness checks a selfie for presence. A pass records the image on the
// Identity Record and on the pending review request when one exists; liveness
// alone never opens a request.
func (s *Service) VerifyLiveness(ctx context.Context, userID id.UserID, imageURL string) (*Outcome, error) {
	step := attemptmodels.StepLiveness
	if err := s.reserve(ctx, userID, step); err != nil {
		return nil, err
	}

	res, err := s.matchOrRelease(ctx, userID, step, providers.MatchRequest{
		Kind:       providers.KindLiveness,
		PayloadURL: imageURL,
	})
	if err != nil {
		return nil, err
	}

	if !res.IsMatch {
		return s.settle(ctx, userID, verdict{
			step: step, reason: ReasonLivenessFailed, action: audit.EventLivenessFailure, res: res,
		})
	}

	out, err := s.settle(ctx, userID, verdict{
		step: step, success: true, action: audit.EventLivenessSuccess, res: res, review: true,
		mutate: func(st *statemachine.State) {
			st.Identity.FaceVerified = true
			st.Identity.LivenessImageURL = imageURL
			st.UpdatePending(models.Evidence{LivenessImageURL: imageURL})
		},
	})
	if err != nil {
		return nil, err
	}
	out.ImageURL = imageURL
	return out, nil
}
