// Package store persists Verification Requests and the voice-login
// question-1 gate.
package store

import (
	"context"
	"time"

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
)

// RequestStore holds Verification Requests. Create and Save fail with
// sentinel.ErrConflict when a second pending request would exist for a user.
type RequestStore interface {
	Get(ctx context.Context, requestID id.RequestID) (*models.Request, error)
	FindPending(ctx context.Context, userID id.UserID) (*models.Request, error)
	Create(ctx context.Context, request *models.Request) error
	Save(ctx context.Context, request *models.Request) error
	List(ctx context.Context, statuses []models.RequestStatus) ([]*models.Request, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*models.Request, error)
}

// ChallengeStore records that a user passed voice-login question 1. The gate
// expires after ttl and is cleared when question 2 passes.
type ChallengeStore interface {
	Record(ctx context.Context, userID id.UserID, ttl time.Duration) error
	Passed(ctx context.Context, userID id.UserID) (bool, error)
	Clear(ctx context.Context, userID id.UserID) error
}
