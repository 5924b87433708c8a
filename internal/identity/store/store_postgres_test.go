package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriflow/internal/identity/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
	txcontext "veriflow/pkg/platform/tx"
)

var identityRow = []string{"id", "email", "phone", "full_name", "date_of_birth", "voice_verified",
	"face_verified", "document_verified", "admin_approved", "payment_released", "liveness_image_url", "created_at", "updated_at"}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgres(db)

	userID := uuid.New()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("scans nullable contacts", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM identities WHERE id = $1")).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows(identityRow).
				AddRow(userID.String(), "ada@example.com", nil, "Ada Lovelace", "1815-12-10", true, false, false, false, false, "", now, now))

		identity, err := store.Get(context.Background(), id.UserID(userID))
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", identity.Email)
		assert.Empty(t, identity.Phone)
		assert.True(t, identity.VoiceVerified)
	})

	t.Run("no rows maps to ErrNotFound", func(t *testing.T) {
		mock.ExpectQuery("FROM identities").WillReturnError(sql.ErrNoRows)
		_, err := store.Get(context.Background(), id.UserID(uuid.New()))
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("reads inside a transaction lock the row", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows(identityRow).
				AddRow(userID.String(), nil, "+15550100", "", "", false, false, false, false, false, "", now, now))
		mock.ExpectCommit()

		tx, err := db.Begin()
		require.NoError(t, err)
		_, err = store.Get(txcontext.WithTx(context.Background(), tx), id.UserID(userID))
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO identities").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "identities_email_key"})

	identity := models.NewIdentity(id.UserID(uuid.New()), "taken@example.com", "", time.Now())
	err = NewPostgres(db).Create(context.Background(), identity)
	require.ErrorIs(t, err, sentinel.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE identities SET").WillReturnResult(sqlmock.NewResult(0, 0))

	identity := models.NewIdentity(id.UserID(uuid.New()), "a@example.com", "", time.Now())
	err = NewPostgres(db).Save(context.Background(), identity)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPostgresStore_VoiceProfileRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgres(db)

	userID := uuid.New()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO voice_profiles").WillReturnResult(sqlmock.NewResult(0, 1))
	profile := models.NewVoiceProfile(id.UserID(userID), now)
	require.NoError(t, store.SaveVoiceProfile(context.Background(), profile))

	mock.ExpectQuery("FROM voice_profiles WHERE user_id").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_enrolled", "model_ref", "samples", "last_match_score", "last_provider", "enrolled_at", "updated_at"}).
			AddRow(userID.String(), true, "ifp:v1:abc", []byte(`[{"index":1,"url":"mem://voice/1","score":0.9,"provider":"internal-fingerprint","captured_at":"2026-03-14T09:00:00Z"}]`), 0.93, "internal-fingerprint", now, now))

	found, err := store.GetVoiceProfile(context.Background(), id.UserID(userID))
	require.NoError(t, err)
	assert.True(t, found.IsEnrolled)
	require.Len(t, found.Samples, 1)
	assert.Equal(t, "mem://voice/1", found.Samples[0].URL)
	require.NotNil(t, found.LastMatchScore)
	assert.InDelta(t, 0.93, *found.LastMatchScore, 1e-9)
	require.NotNil(t, found.EnrolledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
