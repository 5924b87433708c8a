// Package publisher enriches audit events with request context and appends
// them to the audit store.
package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	id "veriflow/pkg/domain"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/requestcontext"
)

// Publisher appends synchronously: Emit returns only after the store accepted
// the event, so callers can fail an operation whose audit entry was not recorded.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enrich fills id, timestamp, category, correlation id and caller origin
// from the context when the caller left them empty.
func Enrich(ctx context.Context, event audit.Event) audit.Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.IP == "" {
		event.IP = requestcontext.ClientIP(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = requestcontext.UserAgent(ctx)
	}
	if event.Device == "" {
		event.Device = requestcontext.Device(ctx)
	}
	return event
}

func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Action == "" {
		return errors.New("audit event action is required")
	}
	event = Enrich(ctx, event)
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to append audit event",
			"action", event.Action,
			"user_id", event.UserID.String(),
			"request_id", event.RequestID,
			"error", err,
		)
		return err
	}
	return nil
}

func (p *Publisher) List(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	return p.store.ListByUser(ctx, userID)
}
