// Package notify tells users about admin review decisions. Delivery is
// best-effort: a failed notification never fails the decision.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	id "veriflow/pkg/domain"
)

// Decision is an admin review outcome ready to be announced. Email and
// FullName are delivery details and are never published on the event bus.
type Decision struct {
	RequestID       id.RequestID `json:"request_id"`
	UserID          id.UserID    `json:"user_id"`
	Approved        bool         `json:"approved"`
	Notes           string       `json:"notes,omitempty"`
	PaymentReleased bool         `json:"payment_released"`
	DecidedBy       id.AdminID   `json:"decided_by"`
	DecidedAt       time.Time    `json:"decided_at"`

	Email    string `json:"-"`
	FullName string `json:"-"`
}

func (d Decision) Outcome() string {
	if d.Approved {
		return "approved"
	}
	return "rejected"
}

type Notifier interface {
	NotifyDecision(ctx context.Context, d Decision) error
}

// LogNotifier only logs. It is the default when no channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyDecision(ctx context.Context, d Decision) error {
	n.logger.InfoContext(ctx, "review decision",
		"user_id", d.UserID.String(),
		"request_id", d.RequestID.String(),
		"decision", d.Outcome(),
		"payment_released", d.PaymentReleased,
	)
	return nil
}

// Multi fans a decision out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyDecision(ctx context.Context, d Decision) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyDecision(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
