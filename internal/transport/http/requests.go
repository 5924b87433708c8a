package httptransport

import (
	"strings"

	identity "veriflow/internal/identity/models"
	"veriflow/internal/review"
	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
)

const (
	maxNameLength       = 200
	maxIdentifierLength = 320
	maxNotesLength      = 2000
	maxExpectedText     = 500
)

func requireBase64(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return dErrors.New(dErrors.CodeValidation, field+" is required")
	}
	return nil
}

// ProfileRequest is the body for PUT /v1/me/profile. Omitted fields are left
// unchanged.
type ProfileRequest struct {
	FullName    *string `json:"full_name"`
	DateOfBirth *string `json:"date_of_birth"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
}

func (r *ProfileRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if r.FullName != nil && len(*r.FullName) > maxNameLength {
		return dErrors.New(dErrors.CodeValidation, "full_name is too long")
	}
	if r.FullName == nil && r.DateOfBirth == nil && r.Email == nil && r.Phone == nil {
		return dErrors.New(dErrors.CodeValidation, "at least one profile field is required")
	}
	return nil
}

func (r *ProfileRequest) update() identity.ProfileUpdate {
	return identity.ProfileUpdate{
		FullName:    r.FullName,
		DateOfBirth: r.DateOfBirth,
		Email:       r.Email,
		Phone:       r.Phone,
	}
}

// EnrollmentRequest is the body for POST /v1/enrollment/samples.
type EnrollmentRequest struct {
	SampleIndex  int    `json:"sample_index"`
	AudioBase64  string `json:"audio_base64"`
	ContentType  string `json:"content_type"`
	ExpectedText string `json:"expected_text"`
}

func (r *EnrollmentRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if r.SampleIndex < 1 || r.SampleIndex > identity.RequiredSamples {
		return dErrors.New(dErrors.CodeValidation, "sample_index must be between 1 and 3")
	}
	if len(r.ExpectedText) > maxExpectedText {
		return dErrors.New(dErrors.CodeValidation, "expected_text is too long")
	}
	return requireBase64("audio_base64", r.AudioBase64)
}

// VoiceRequest is the body for POST /v1/voice/verify.
type VoiceRequest struct {
	AudioBase64 string `json:"audio_base64"`
	ContentType string `json:"content_type"`
}

func (r *VoiceRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	return requireBase64("audio_base64", r.AudioBase64)
}

// VoiceLoginRequest is the body for POST /v1/voice/login.
type VoiceLoginRequest struct {
	Identifier  string `json:"identifier"`
	Question    int    `json:"question"`
	AudioBase64 string `json:"audio_base64"`
	ContentType string `json:"content_type"`
}

func (r *VoiceLoginRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Identifier = strings.TrimSpace(r.Identifier)
	if r.Identifier == "" {
		return dErrors.New(dErrors.CodeValidation, "identifier is required")
	}
	if len(r.Identifier) > maxIdentifierLength {
		return dErrors.New(dErrors.CodeValidation, "identifier is too long")
	}
	if r.Question != 1 && r.Question != 2 {
		return dErrors.New(dErrors.CodeValidation, "question must be 1 or 2")
	}
	return requireBase64("audio_base64", r.AudioBase64)
}

// LivenessRequest is the body for POST /v1/liveness.
type LivenessRequest struct {
	ImageBase64 string `json:"image_base64"`
	ContentType string `json:"content_type"`
}

func (r *LivenessRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	return requireBase64("image_base64", r.ImageBase64)
}

// DocumentRequest is the body for POST /v1/documents.
type DocumentRequest struct {
	DocumentType  string `json:"document_type"`
	PayloadBase64 string `json:"payload_base64"`
	ContentType   string `json:"content_type"`
}

func (r *DocumentRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.DocumentType = strings.TrimSpace(r.DocumentType)
	if r.DocumentType == "" {
		return dErrors.New(dErrors.CodeValidation, "document_type is required")
	}
	return requireBase64("payload_base64", r.PayloadBase64)
}

// OpenReviewRequest is the body for POST /admin/verification-requests.
type OpenReviewRequest struct {
	UserID string `json:"user_id"`

	parsedUserID id.UserID
}

func (r *OpenReviewRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	userID, err := id.ParseUserID(strings.TrimSpace(r.UserID))
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "user_id must be a valid id")
	}
	r.parsedUserID = userID
	return nil
}

// DecisionRequest is the body for POST /admin/verification-requests/{id}/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`

	parsedVerdict review.Verdict
}

func (r *DecisionRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Notes) > maxNotesLength {
		return dErrors.New(dErrors.CodeValidation, "notes is too long")
	}
	verdict, err := review.ParseVerdict(r.Decision)
	if err != nil {
		return err
	}
	r.parsedVerdict = verdict
	r.Notes = strings.TrimSpace(r.Notes)
	return nil
}

// parseStatuses reads a comma-separated status filter. Empty means the
// default pending-and-approved view.
func parseStatuses(raw string) ([]models.RequestStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return review.DefaultStatuses, nil
	}
	var out []models.RequestStatus
	for part := range strings.SplitSeq(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := models.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return review.DefaultStatuses, nil
	}
	return out, nil
}
