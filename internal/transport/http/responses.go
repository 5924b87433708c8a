package httptransport

import (
	"time"

	attemptmodels "veriflow/internal/attempts/models"
	"veriflow/internal/review"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/steps"
	audit "veriflow/pkg/platform/audit"
)

// RequestResponse is the admin view of a Verification Request.
type RequestResponse struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	LivenessImageURL string     `json:"liveness_image_url,omitempty"`
	DocumentURL      string     `json:"document_url,omitempty"`
	DocumentType     string     `json:"document_type,omitempty"`
	DocumentText     string     `json:"document_text,omitempty"`
	TamperFlag       *bool      `json:"tamper_flag,omitempty"`
	QualityScore     *float64   `json:"quality_score,omitempty"`
	VoiceMatchScore  *float64   `json:"voice_match_score,omitempty"`
	AssignedAdmin    string     `json:"assigned_admin,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	DecidedBy        string     `json:"decided_by,omitempty"`
}

func toRequestResponse(r *models.Request) *RequestResponse {
	if r == nil {
		return nil
	}
	return &RequestResponse{
		ID:               r.ID.String(),
		UserID:           r.UserID.String(),
		Status:           string(r.Status),
		LivenessImageURL: r.LivenessImageURL,
		DocumentURL:      r.DocumentURL,
		DocumentType:     string(r.DocumentType),
		DocumentText:     r.DocumentText,
		TamperFlag:       r.TamperFlag,
		QualityScore:     r.QualityScore,
		VoiceMatchScore:  r.VoiceMatchScore,
		AssignedAdmin:    r.AssignedAdmin,
		Notes:            r.Notes,
		CreatedAt:        r.CreatedAt,
		DecidedAt:        r.DecidedAt,
		DecidedBy:        r.DecidedBy,
	}
}

type RequestListResponse struct {
	Requests []*RequestResponse `json:"requests"`
	Count    int                `json:"count"`
}

func toRequestList(rs []*models.Request) *RequestListResponse {
	out := &RequestListResponse{Requests: make([]*RequestResponse, 0, len(rs))}
	for _, r := range rs {
		out.Requests = append(out.Requests, toRequestResponse(r))
	}
	out.Count = len(out.Requests)
	return out
}

// AuditEventResponse omits the network metadata; reviewers see what happened,
// not where from.
type AuditEventResponse struct {
	ID                    string    `json:"id"`
	Category              string    `json:"category"`
	Timestamp             time.Time `json:"timestamp"`
	Action                string    `json:"action"`
	Step                  string    `json:"step,omitempty"`
	Reason                string    `json:"reason,omitempty"`
	Provider              string    `json:"provider,omitempty"`
	Score                 *float64  `json:"score,omitempty"`
	Decision              string    `json:"decision,omitempty"`
	VerificationRequestID string    `json:"verification_request_id,omitempty"`
	ActorID               string    `json:"actor_id,omitempty"`
	Device                string    `json:"device,omitempty"`
}

func toAuditEvents(events []audit.Event) []AuditEventResponse {
	out := make([]AuditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, AuditEventResponse{
			ID:                    e.ID.String(),
			Category:              string(e.Category),
			Timestamp:             e.Timestamp,
			Action:                e.Action,
			Step:                  e.Step,
			Reason:                e.Reason,
			Provider:              e.Provider,
			Score:                 e.Score,
			Decision:              e.Decision,
			VerificationRequestID: e.VerificationRequestID,
			ActorID:               e.ActorID,
			Device:                e.Device,
		})
	}
	return out
}

type AuditTrailResponse struct {
	UserID string               `json:"user_id"`
	Events []AuditEventResponse `json:"events"`
}

// BundleResponse is everything an admin needs to decide on a request.
type BundleResponse struct {
	Request  *RequestResponse         `json:"request"`
	Snapshot models.Snapshot          `json:"snapshot"`
	Voice    review.VoiceSummary      `json:"voice"`
	Attempts []*attemptmodels.Counter `json:"attempts"`
	Audit    []AuditEventResponse     `json:"audit"`
}

func toBundleResponse(b *review.Bundle) *BundleResponse {
	return &BundleResponse{
		Request:  toRequestResponse(b.Request),
		Snapshot: b.Snapshot,
		Voice:    b.Voice,
		Attempts: b.Attempts,
		Audit:    toAuditEvents(b.Audit),
	}
}

type DecisionResponse struct {
	Request  *RequestResponse `json:"request"`
	Snapshot models.Snapshot  `json:"snapshot"`
}

// LoginResponse carries the minted session once both questions pass.
type LoginResponse struct {
	*steps.LoginOutcome
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
