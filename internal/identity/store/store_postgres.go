package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"veriflow/internal/identity/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
	txcontext "veriflow/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists Identity Records and Voice Profiles. Reads inside a
// transaction take a row lock so concurrent replicas serialize on the user.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const identityColumns = `id, email, phone, full_name, date_of_birth, voice_verified, face_verified,
	document_verified, admin_approved, payment_released, liveness_image_url, created_at, updated_at`

func lockClause(ctx context.Context) string {
	if _, ok := txcontext.From(ctx); ok {
		return " FOR UPDATE"
	}
	return ""
}

func (s *PostgresStore) Get(ctx context.Context, userID id.UserID) (*models.Identity, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`+lockClause(ctx), uuid.UUID(userID))
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) FindByContact(ctx context.Context, identifier string) (*models.Identity, error) {
	normalized, isEmail := models.NormalizeIdentifier(identifier)
	if normalized == "" {
		return nil, sentinel.ErrNotFound
	}
	column := "phone"
	if isEmail {
		column = "email"
	}
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE `+column+` = $1`, normalized)
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("find identity by contact: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) Create(ctx context.Context, identity *models.Identity) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, identityArgs(identity)...)
	if err != nil {
		return fmt.Errorf("create identity: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, identity *models.Identity) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE identities SET
			email = $2, phone = $3, full_name = $4, date_of_birth = $5,
			voice_verified = $6, face_verified = $7, document_verified = $8,
			admin_approved = $9, payment_released = $10, liveness_image_url = $11, updated_at = $12
		WHERE id = $1
	`,
		uuid.UUID(identity.ID),
		nullable(identity.Email),
		nullable(identity.Phone),
		identity.FullName,
		identity.DateOfBirth,
		identity.VoiceVerified,
		identity.FaceVerified,
		identity.DocumentVerified,
		identity.AdminApproved,
		identity.PaymentReleased,
		identity.LivenessImageURL,
		identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", translate(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetVoiceProfile(ctx context.Context, userID id.UserID) (*models.VoiceProfile, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT user_id, is_enrolled, model_ref, samples, last_match_score, last_provider, enrolled_at, updated_at
		FROM voice_profiles WHERE user_id = $1`+lockClause(ctx), uuid.UUID(userID))

	var (
		profile models.VoiceProfile
		uid     uuid.UUID
		samples []byte
		score   sql.NullFloat64
		at      sql.NullTime
	)
	err := row.Scan(&uid, &profile.IsEnrolled, &profile.ModelRef, &samples, &score, &profile.LastProvider, &at, &profile.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voice profile: %w", err)
	}
	profile.UserID = id.UserID(uid)
	if err := json.Unmarshal(samples, &profile.Samples); err != nil {
		return nil, fmt.Errorf("decode voice samples: %w", err)
	}
	if score.Valid {
		v := score.Float64
		profile.LastMatchScore = &v
	}
	if at.Valid {
		v := at.Time
		profile.EnrolledAt = &v
	}
	return &profile, nil
}

func (s *PostgresStore) SaveVoiceProfile(ctx context.Context, profile *models.VoiceProfile) error {
	samples := profile.Samples
	if samples == nil {
		samples = []models.VoiceSample{}
	}
	encoded, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("encode voice samples: %w", err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO voice_profiles (user_id, is_enrolled, model_ref, samples, last_match_score, last_provider, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			is_enrolled = EXCLUDED.is_enrolled,
			model_ref = EXCLUDED.model_ref,
			samples = EXCLUDED.samples,
			last_match_score = EXCLUDED.last_match_score,
			last_provider = EXCLUDED.last_provider,
			enrolled_at = EXCLUDED.enrolled_at,
			updated_at = EXCLUDED.updated_at
	`,
		uuid.UUID(profile.UserID),
		profile.IsEnrolled,
		profile.ModelRef,
		encoded,
		profile.LastMatchScore,
		profile.LastProvider,
		profile.EnrolledAt,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save voice profile: %w", translate(err))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*models.Identity, error) {
	var (
		identity models.Identity
		uid      uuid.UUID
		email    sql.NullString
		phone    sql.NullString
	)
	err := row.Scan(&uid, &email, &phone, &identity.FullName, &identity.DateOfBirth,
		&identity.VoiceVerified, &identity.FaceVerified, &identity.DocumentVerified,
		&identity.AdminApproved, &identity.PaymentReleased, &identity.LivenessImageURL,
		&identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.ID = id.UserID(uid)
	identity.Email = email.String
	identity.Phone = phone.String
	return &identity, nil
}

func identityArgs(identity *models.Identity) []any {
	return []any{
		uuid.UUID(identity.ID),
		nullable(identity.Email),
		nullable(identity.Phone),
		identity.FullName,
		identity.DateOfBirth,
		identity.VoiceVerified,
		identity.FaceVerified,
		identity.DocumentVerified,
		identity.AdminApproved,
		identity.PaymentReleased,
		identity.LivenessImageURL,
		identity.CreatedAt,
		identity.UpdatedAt,
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", sentinel.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
