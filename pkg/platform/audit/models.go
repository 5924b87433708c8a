package audit

import (
	"time"

	"github.com/google/uuid"

	id "veriflow/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// Categories drive retention and routing on the Kafka side.
type EventCategory string

const (
	// CategoryCompliance covers events with legal or regulatory significance:
	// admin decisions, payment release, completed enrollment.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to fraud monitoring:
	// verification failures, lockouts, resets, sequencing violations.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for operational visibility:
	// upload failures, provider fallback, provider unavailability.
	CategoryOperations EventCategory = "operations"
)

// Event is an immutable record of one verification-relevant fact. It is the
// sole source of truth for "what happened"; projections are derived state.
type Event struct {
	ID        uuid.UUID
	Category  EventCategory
	Timestamp time.Time
	// UserID is nil when the caller could not be resolved (unknown login identifier).
	UserID   id.UserID
	Action   string
	Step     string
	Reason   string
	Provider string
	Score    *float64
	Decision string
	// RequestID is the HTTP correlation id.
	RequestID             string
	VerificationRequestID string
	// ActorID is the admin acting on the user's behalf, when different from UserID.
	ActorID   string
	IP        string
	UserAgent string
	Device    string
	// SubjectIDHash is a blake2b hash of an identifier that did not resolve to a user.
	SubjectIDHash string
}

type AuditEvent string

const (
	// Enrollment
	EventEnrollmentSuccess AuditEvent = "enrollment_success"
	EventEnrollmentFailure AuditEvent = "enrollment_failure"
	EventVoiceEnrolled     AuditEvent = "voice_enrolled"

	// Verification steps
	EventVerificationSuccess AuditEvent = "verification_success"
	EventVerificationFailure AuditEvent = "verification_failure"
	EventLivenessSuccess     AuditEvent = "liveness_success"
	EventLivenessFailure     AuditEvent = "liveness_failure"
	EventDocumentProcessed   AuditEvent = "document_processed"

	// Preconditions and infrastructure
	EventAttemptsExhausted     AuditEvent = "attempts_exhausted"
	EventAttemptsReset         AuditEvent = "attempts_reset"
	EventNeedsEnrollment       AuditEvent = "needs_enrollment"
	EventServiceUnavailable    AuditEvent = "service_unavailable"
	EventUploadFailed          AuditEvent = "upload_failed"
	EventProviderFallback      AuditEvent = "provider_fallback"
	EventInternalInconsistency AuditEvent = "internal_inconsistency"

	// Admin review
	EventReviewOpened    AuditEvent = "review_opened"
	EventAdminApproved   AuditEvent = "admin_approved"
	EventAdminRejected   AuditEvent = "admin_rejected"
	EventPaymentReleased AuditEvent = "payment_released"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventVoiceEnrolled:   CategoryCompliance,
	EventReviewOpened:    CategoryCompliance,
	EventAdminApproved:   CategoryCompliance,
	EventAdminRejected:   CategoryCompliance,
	EventPaymentReleased: CategoryCompliance,

	EventEnrollmentFailure:     CategorySecurity,
	EventVerificationFailure:   CategorySecurity,
	EventLivenessFailure:       CategorySecurity,
	EventAttemptsExhausted:     CategorySecurity,
	EventAttemptsReset:         CategorySecurity,
	EventNeedsEnrollment:       CategorySecurity,
	EventInternalInconsistency: CategorySecurity,

	EventEnrollmentSuccess:   CategoryOperations,
	EventVerificationSuccess: CategoryOperations,
	EventLivenessSuccess:     CategoryOperations,
	EventDocumentProcessed:   CategoryOperations,
	EventServiceUnavailable:  CategoryOperations,
	EventUploadFailed:        CategoryOperations,
	EventProviderFallback:    CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Score is a helper for the optional match score field.
func Score(v float64) *float64 { return &v }
