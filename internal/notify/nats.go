package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultDecisionSubject is where decision events are published.
const DefaultDecisionSubject = "verification.decision"

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes decisions as JSON events for downstream consumers such as
// payment release.
type NATS struct {
	conn    natsPublisher
	subject string
}

// ConnectNATS dials url. The returned close func drains the connection.
func ConnectNATS(url, subject string) (*NATS, func(), error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATS(conn, subject), func() { _ = conn.Drain() }, nil
}

func NewNATS(conn natsPublisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultDecisionSubject
	}
	return &NATS{conn: conn, subject: subject}
}

func (n *NATS) NotifyDecision(_ context.Context, d Decision) error {
	payload, err := json.Marshal(decisionEvent{
		Decision: d,
		Outcome:  d.Outcome(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal decision event: %w", err)
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("failed to publish decision event: %w", err)
	}
	return nil
}

type decisionEvent struct {
	Decision
	Outcome string `json:"decision"`
}
