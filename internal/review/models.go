package review

import (
	"strings"
	"time"

	attemptmodels "veriflow/internal/attempts/models"
	identity "veriflow/internal/identity/models"
	"veriflow/internal/verification/models"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
)

type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return VerdictApprove, nil
	case "reject", "rejected":
		return VerdictReject, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "decision must be approve or reject")
	}
}

// DefaultStatuses is the list filter when the caller passes none.
var DefaultStatuses = []models.RequestStatus{models.StatusPending, models.StatusApproved}

// VoiceSummary is what a reviewer sees of the voice profile. Samples and the
// model reference stay internal.
type VoiceSummary struct {
	State          identity.EnrollmentState `json:"enrollment_state"`
	SampleCount    int                      `json:"sample_count"`
	IsEnrolled     bool                     `json:"is_enrolled"`
	LastMatchScore *float64                 `json:"last_match_score,omitempty"`
	LastProvider   string                   `json:"last_provider,omitempty"`
	EnrolledAt     *time.Time               `json:"enrolled_at,omitempty"`
}

func summarize(p *identity.VoiceProfile) VoiceSummary {
	s := VoiceSummary{State: p.State(), SampleCount: p.SampleCount()}
	if p == nil {
		return s
	}
	s.IsEnrolled = p.IsEnrolled
	s.LastMatchScore = p.LastMatchScore
	s.LastProvider = p.LastProvider
	s.EnrolledAt = p.EnrolledAt
	return s
}

// Bundle is the evidence an admin decides on.
type Bundle struct {
	Request  *models.Request
	Snapshot models.Snapshot
	Voice    VoiceSummary
	Attempts []*attemptmodels.Counter
	Audit    []audit.Event
}

// Result is returned by Decide.
type Result struct {
	Request  *models.Request
	Snapshot models.Snapshot
}
