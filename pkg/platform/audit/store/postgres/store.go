package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "veriflow/pkg/domain"
	audit "veriflow/pkg/platform/audit"
	txcontext "veriflow/pkg/platform/tx"
)

// Store implements audit.Store. Append writes the queryable row and an outbox
// row in the caller's transaction; the Kafka relay publishes the outbox.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OutboxEntry is an unpublished audit event awaiting the Kafka relay.
type OutboxEntry struct {
	ID      uuid.UUID
	EventID uuid.UUID
	Key     string
	Payload []byte
}

// outboxPayload is the JSON document published to Kafka.
type outboxPayload struct {
	ID                    string   `json:"id"`
	Category              string   `json:"category"`
	Timestamp             string   `json:"timestamp"`
	UserID                string   `json:"user_id,omitempty"`
	Action                string   `json:"action"`
	Step                  string   `json:"step,omitempty"`
	Reason                string   `json:"reason,omitempty"`
	Provider              string   `json:"provider,omitempty"`
	Score                 *float64 `json:"score,omitempty"`
	Decision              string   `json:"decision,omitempty"`
	RequestID             string   `json:"request_id,omitempty"`
	VerificationRequestID string   `json:"verification_request_id,omitempty"`
	ActorID               string   `json:"actor_id,omitempty"`
	IP                    string   `json:"ip,omitempty"`
	Device                string   `json:"device,omitempty"`
	SubjectIDHash         string   `json:"subject_id_hash,omitempty"`
}

const eventColumns = `id, category, timestamp, user_id, action, step, reason, provider, score,
	decision, request_id, verification_request_id, actor_id, ip, user_agent, device, subject_id_hash`

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}

	var userID *uuid.UUID
	if !event.UserID.IsNil() {
		uid := uuid.UUID(event.UserID)
		userID = &uid
	}

	exec := txcontext.Exec(ctx, s.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		event.ID,
		string(event.Category),
		event.Timestamp,
		userID,
		event.Action,
		event.Step,
		event.Reason,
		event.Provider,
		event.Score,
		event.Decision,
		event.RequestID,
		event.VerificationRequestID,
		event.ActorID,
		event.IP,
		event.UserAgent,
		event.Device,
		event.SubjectIDHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload := outboxPayload{
		ID:                    event.ID.String(),
		Category:              string(event.Category),
		Timestamp:             event.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:                event.Action,
		Step:                  event.Step,
		Reason:                event.Reason,
		Provider:              event.Provider,
		Score:                 event.Score,
		Decision:              event.Decision,
		RequestID:             event.RequestID,
		VerificationRequestID: event.VerificationRequestID,
		ActorID:               event.ActorID,
		IP:                    event.IP,
		Device:                event.Device,
		SubjectIDHash:         event.SubjectIDHash,
	}
	if userID != nil {
		payload.UserID = userID.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO audit_outbox (id, event_id, partition_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), event.ID, payload.UserID, body, time.Now())
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ListByUser returns events for a user, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE user_id = $1
		ORDER BY timestamp ASC
	`, uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns the N most recent events, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// FetchUnpublished returns up to limit outbox rows in insertion order.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, partition_key, payload
		FROM audit_outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.Key, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps outbox rows as delivered.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, v := range ids {
		raw[i] = v.String()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_outbox SET published_at = $1
		WHERE id = ANY($2::uuid[])
	`, at, pq.Array(raw))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event    audit.Event
			category string
			userID   *uuid.UUID
			score    sql.NullFloat64
		)
		err := rows.Scan(
			&event.ID,
			&category,
			&event.Timestamp,
			&userID,
			&event.Action,
			&event.Step,
			&event.Reason,
			&event.Provider,
			&score,
			&event.Decision,
			&event.RequestID,
			&event.VerificationRequestID,
			&event.ActorID,
			&event.IP,
			&event.UserAgent,
			&event.Device,
			&event.SubjectIDHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		if userID != nil {
			event.UserID = id.UserID(*userID)
		}
		if score.Valid {
			event.Score = audit.Score(score.Float64)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
