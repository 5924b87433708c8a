// Package store holds Attempt Ledger counter backends. Every backend applies
// Update as one atomic read-modify-write per key.
package store

import (
	"context"

	"veriflow/internal/attempts/models"
)

// UpdateFunc receives the current counter (nil when absent) and returns the
// counter to persist. Returning an error aborts without writing.
type UpdateFunc func(current *models.Counter) (*models.Counter, error)

type Store interface {
	Update(ctx context.Context, key models.Key, fn UpdateFunc) (*models.Counter, error)
	Get(ctx context.Context, key models.Key) (*models.Counter, error)
}
