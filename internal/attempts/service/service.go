// Package service is the Attempt Ledger: per-(user, step) attempt budgets
// with reservation-based consumption so racing submissions cannot both
// spend the last attempt.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"veriflow/internal/attempts/models"
	"veriflow/internal/attempts/store"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/sentinel"
	"veriflow/pkg/requestcontext"
)

const (
	defaultMaxAttempts = 3
	defaultLease       = 30 * time.Second
)

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store       store.Store
	auditor     AuditPublisher
	logger      *slog.Logger
	maxAttempts func(step string) int
	lease       time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = publisher
	}
}

// WithMaxAttempts sets the per-step limit lookup.
func WithMaxAttempts(fn func(step string) int) Option {
	return func(s *Service) {
		s.maxAttempts = fn
	}
}

func WithLease(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

func New(st store.Store, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("attempt store is required")
	}
	svc := &Service{
		store:       st,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxAttempts: func(string) int { return defaultMaxAttempts },
		lease:       defaultLease,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) limit(step models.Step) int {
	if n := s.maxAttempts(string(step)); n > 0 {
		return n
	}
	return defaultMaxAttempts
}

func (s *Service) load(key models.Key, now time.Time) func(*models.Counter) *models.Counter {
	return func(current *models.Counter) *models.Counter {
		if current == nil {
			return models.NewCounter(key, s.limit(key.Step), now)
		}
		return current
	}
}

// ConsumeAttempt reserves one attempt. It fails closed: when nothing is
// available the reservation is refused without touching any provider, and
// the refusal is audited.
func (s *Service) ConsumeAttempt(ctx context.Context, userID id.UserID, step models.Step) (models.Reservation, error) {
	now := requestcontext.Now(ctx)
	key := models.NewKey(userID, step)
	seed := s.load(key, now)

	var res models.Reservation
	_, err := s.store.Update(ctx, key, func(current *models.Counter) (*models.Counter, error) {
		c := seed(current)
		res = c.Reserve(now, s.lease)
		return c, nil
	})
	if err != nil {
		return models.Reservation{}, s.storeError(err, "failed to reserve attempt")
	}

	switch {
	case res.Allowed:
	case res.InProgress:
		s.logger.WarnContext(ctx, "concurrent attempt refused",
			"user_id", userID.String(),
			"step", string(step),
		)
		if err := s.emit(ctx, audit.Event{
			UserID: userID,
			Action: string(audit.EventInternalInconsistency),
			Step:   string(step),
			Reason: "attempt_in_progress",
		}); err != nil {
			return models.Reservation{}, err
		}
	default:
		if err := s.emit(ctx, audit.Event{
			UserID: userID,
			Action: string(audit.EventAttemptsExhausted),
			Step:   string(step),
			Reason: "attempts_exhausted",
		}); err != nil {
			return models.Reservation{}, err
		}
	}
	return res, nil
}

// RecordOutcome settles a reservation taken by ConsumeAttempt.
func (s *Service) RecordOutcome(ctx context.Context, userID id.UserID, step models.Step, success bool) (*models.Counter, error) {
	now := requestcontext.Now(ctx)
	key := models.NewKey(userID, step)
	seed := s.load(key, now)

	counter, err := s.store.Update(ctx, key, func(current *models.Counter) (*models.Counter, error) {
		c := seed(current)
		c.Settle(success, now)
		return c, nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to record attempt outcome")
	}
	return counter, nil
}

// Release returns a reservation unspent. Used when the attempt never reached
// a verdict (provider unavailable, unreadable payload, sequencing error).
func (s *Service) Release(ctx context.Context, userID id.UserID, step models.Step) error {
	now := requestcontext.Now(ctx)
	key := models.NewKey(userID, step)
	seed := s.load(key, now)

	_, err := s.store.Update(ctx, key, func(current *models.Counter) (*models.Counter, error) {
		c := seed(current)
		c.Release(now)
		return c, nil
	})
	if err != nil {
		return s.storeError(err, "failed to release attempt")
	}
	return nil
}

// Reset restores the configured maximum on behalf of an operator.
func (s *Service) Reset(ctx context.Context, userID id.UserID, step models.Step, actor id.AdminID) (*models.Counter, error) {
	now := requestcontext.Now(ctx)
	key := models.NewKey(userID, step)
	limit := s.limit(step)

	counter, err := s.store.Update(ctx, key, func(current *models.Counter) (*models.Counter, error) {
		if current == nil {
			current = models.NewCounter(key, limit, now)
		}
		current.Reset(limit, now)
		return current, nil
	})
	if err != nil {
		return nil, s.storeError(err, "failed to reset attempts")
	}

	if err := s.emit(ctx, audit.Event{
		UserID:  userID,
		Action:  string(audit.EventAttemptsReset),
		Step:    string(step),
		ActorID: actor.String(),
	}); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "attempts reset",
		"user_id", userID.String(),
		"step", string(step),
		"actor_id", actor.String(),
	)
	return counter, nil
}

// Get returns the counter, or a fresh one when the user never attempted step.
func (s *Service) Get(ctx context.Context, userID id.UserID, step models.Step) (*models.Counter, error) {
	key := models.NewKey(userID, step)
	counter, err := s.store.Get(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.NewCounter(key, s.limit(step), requestcontext.Now(ctx)), nil
	}
	if err != nil {
		return nil, s.storeError(err, "failed to load attempts")
	}
	return counter, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) error {
	if s.auditor == nil {
		return nil
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func (s *Service) storeError(err error, msg string) error {
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.Wrap(err, dErrors.CodeAttemptInProgress, "attempt counter busy, retry")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
