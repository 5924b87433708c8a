package models

import (
	"strings"
	"time"

	identity "veriflow/internal/identity/models"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

func ParseStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown request status: "+s)
	}
}

type DocumentType string

const (
	DocumentIDCard         DocumentType = "id_card"
	DocumentPassport       DocumentType = "passport"
	DocumentDriversLicense DocumentType = "drivers_license"
	DocumentNationalID     DocumentType = "national_id"
	DocumentOther          DocumentType = "other"
)

func ParseDocumentType(s string) (DocumentType, error) {
	switch dt := DocumentType(strings.ToLower(strings.TrimSpace(s))); dt {
	case DocumentIDCard, DocumentPassport, DocumentDriversLicense, DocumentNationalID, DocumentOther:
		return dt, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "unsupported document type: "+s)
	}
}

// Request is the admin-facing Verification Request. At most one per user is
// pending; a decided request is never reopened.
type Request struct {
	ID               id.RequestID
	UserID           id.UserID
	Status           RequestStatus
	LivenessImageURL string
	DocumentURL      string
	DocumentType     DocumentType
	DocumentText     string
	TamperFlag       *bool
	QualityScore     *float64
	VoiceMatchScore  *float64
	AssignedAdmin    string
	Notes            string
	CreatedAt        time.Time
	DecidedAt        *time.Time
	DecidedBy        string
}

func NewRequest(userID id.UserID, now time.Time) *Request {
	return &Request{
		ID:        id.NewRequestID(),
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
	}
}

func (r *Request) IsPending() bool { return r.Status == StatusPending }

// Attach copies the latest step evidence onto the request.
func (r *Request) Attach(e Evidence) {
	if e.LivenessImageURL != "" {
		r.LivenessImageURL = e.LivenessImageURL
	}
	if e.DocumentURL != "" {
		r.DocumentURL = e.DocumentURL
		r.DocumentType = e.DocumentType
		r.DocumentText = e.DocumentText
		r.TamperFlag = e.TamperFlag
		r.QualityScore = e.QualityScore
	}
	if e.VoiceMatchScore != nil {
		r.VoiceMatchScore = e.VoiceMatchScore
	}
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.TamperFlag = clonePtr(r.TamperFlag)
	c.QualityScore = clonePtr(r.QualityScore)
	c.VoiceMatchScore = clonePtr(r.VoiceMatchScore)
	c.DecidedAt = clonePtr(r.DecidedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Evidence is what a step contributes to the pending request.
type Evidence struct {
	LivenessImageURL string
	DocumentURL      string
	DocumentType     DocumentType
	DocumentText     string
	TamperFlag       *bool
	QualityScore     *float64
	VoiceMatchScore  *float64
}

func (e Evidence) IsZero() bool {
	return e.LivenessImageURL == "" && e.DocumentURL == "" && e.VoiceMatchScore == nil
}

// Snapshot is the per-user projection returned by every state change.
type Snapshot struct {
	UserID           id.UserID                `json:"user_id"`
	VoiceVerified    bool                     `json:"voice_verified"`
	FaceVerified     bool                     `json:"face_verified"`
	DocumentVerified bool                     `json:"document_verified"`
	AdminApproved    bool                     `json:"admin_approved"`
	ProfileCompleted bool                     `json:"profile_completed"`
	PaymentReleased  bool                     `json:"payment_released"`
	EnrollmentState  identity.EnrollmentState `json:"enrollment_state"`
	SampleCount      int                      `json:"sample_count"`
	LastMatchScore   *float64                 `json:"last_match_score,omitempty"`
	PendingRequestID *id.RequestID            `json:"pending_request_id,omitempty"`
}

func NewSnapshot(ident *identity.Identity, profile *identity.VoiceProfile, pending *Request) Snapshot {
	snap := Snapshot{
		UserID:           ident.ID,
		VoiceVerified:    ident.VoiceVerified,
		FaceVerified:     ident.FaceVerified,
		DocumentVerified: ident.DocumentVerified,
		AdminApproved:    ident.AdminApproved,
		ProfileCompleted: ident.ProfileCompleted(),
		PaymentReleased:  ident.PaymentReleased,
		EnrollmentState:  profile.State(),
		SampleCount:      profile.SampleCount(),
	}
	if profile != nil {
		snap.LastMatchScore = clonePtr(profile.LastMatchScore)
	}
	if pending != nil {
		rid := pending.ID
		snap.PendingRequestID = &rid
	}
	return snap
}
