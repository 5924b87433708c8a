package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
	txcontext "veriflow/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore relies on the verification_requests_one_pending partial
// index for the one-pending-per-user rule.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, user_id, status, liveness_image_url, document_url, document_type, document_text,
	tamper_flag, quality_score, voice_match_score, assigned_admin, notes, created_at, decided_at, decided_by`

func lockClause(ctx context.Context) string {
	if _, ok := txcontext.From(ctx); ok {
		return " FOR UPDATE"
	}
	return ""
}

func (s *PostgresStore) Get(ctx context.Context, requestID id.RequestID) (*models.Request, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM verification_requests WHERE id = $1`+lockClause(ctx), uuid.UUID(requestID))
	r, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("get verification request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindPending(ctx context.Context, userID id.UserID) (*models.Request, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM verification_requests WHERE user_id = $1 AND status = 'pending'`+lockClause(ctx),
		uuid.UUID(userID))
	r, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("find pending request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, request *models.Request) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO verification_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, requestArgs(request)...)
	if err != nil {
		return fmt.Errorf("create verification request: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, request *models.Request) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE verification_requests SET
			user_id = $2, status = $3, liveness_image_url = $4, document_url = $5, document_type = $6,
			document_text = $7, tamper_flag = $8, quality_score = $9, voice_match_score = $10,
			assigned_admin = $11, notes = $12, created_at = $13, decided_at = $14, decided_by = $15
		WHERE id = $1
	`, requestArgs(request)...)
	if err != nil {
		return fmt.Errorf("save verification request: %w", translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save verification request: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, statuses []models.RequestStatus) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM verification_requests`
	var args []any
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(values))
	}
	query += ` ORDER BY created_at, id`
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID id.UserID) ([]*models.Request, error) {
	return s.query(ctx,
		`SELECT `+requestColumns+` FROM verification_requests WHERE user_id = $1 ORDER BY created_at, id`,
		uuid.UUID(userID))
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.Request, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verification requests: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list verification requests: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*models.Request, error) {
	var (
		r            models.Request
		rid, uid     uuid.UUID
		status       string
		documentType string
		tamper       sql.NullBool
		quality      sql.NullFloat64
		voiceScore   sql.NullFloat64
		decidedAt    sql.NullTime
	)
	err := row.Scan(&rid, &uid, &status, &r.LivenessImageURL, &r.DocumentURL, &documentType, &r.DocumentText,
		&tamper, &quality, &voiceScore, &r.AssignedAdmin, &r.Notes, &r.CreatedAt, &decidedAt, &r.DecidedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ID = id.RequestID(rid)
	r.UserID = id.UserID(uid)
	r.Status = models.RequestStatus(status)
	r.DocumentType = models.DocumentType(documentType)
	if tamper.Valid {
		r.TamperFlag = &tamper.Bool
	}
	if quality.Valid {
		r.QualityScore = &quality.Float64
	}
	if voiceScore.Valid {
		r.VoiceMatchScore = &voiceScore.Float64
	}
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.Time
	}
	return &r, nil
}

func requestArgs(r *models.Request) []any {
	return []any{
		uuid.UUID(r.ID),
		uuid.UUID(r.UserID),
		string(r.Status),
		r.LivenessImageURL,
		r.DocumentURL,
		string(r.DocumentType),
		r.DocumentText,
		r.TamperFlag,
		r.QualityScore,
		r.VoiceMatchScore,
		r.AssignedAdmin,
		r.Notes,
		r.CreatedAt,
		r.DecidedAt,
		r.DecidedBy,
	}
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", sentinel.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
