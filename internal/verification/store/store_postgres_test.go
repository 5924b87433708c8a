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

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

var requestRow = []string{"id", "user_id", "status", "liveness_image_url", "document_url", "document_type",
	"document_text", "tamper_flag", "quality_score", "voice_match_score", "assigned_admin", "notes",
	"created_at", "decided_at", "decided_by"}

func TestPostgresStore_FindPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgres(db)

	rid, uid := uuid.New(), uuid.New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND status = 'pending'")).
		WithArgs(uid).
		WillReturnRows(sqlmock.NewRows(requestRow).AddRow(
			rid.String(), uid.String(), "pending", "", "s3://captures/document/1", "passport",
			"P<GBR", true, 0.81, nil, "", "", now, nil, ""))

	r, err := store.FindPending(context.Background(), id.UserID(uid))
	require.NoError(t, err)
	assert.Equal(t, id.RequestID(rid), r.ID)
	assert.Equal(t, models.DocumentPassport, r.DocumentType)
	require.NotNil(t, r.TamperFlag)
	assert.True(t, *r.TamperFlag)
	assert.Nil(t, r.VoiceMatchScore)
	assert.Nil(t, r.DecidedAt)

	mock.ExpectQuery("FROM verification_requests").WillReturnError(sql.ErrNoRows)
	_, err = store.FindPending(context.Background(), id.UserID(uid))
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateSecondPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO verification_requests").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "verification_requests_one_pending"})

	err = NewPostgres(db).Create(context.Background(), models.NewRequest(id.UserID(uuid.New()), time.Now()))
	require.ErrorIs(t, err, sentinel.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListStatuses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ANY($1) ORDER BY created_at, id")).
		WillReturnRows(sqlmock.NewRows(requestRow))

	got, err := NewPostgres(db).List(context.Background(), []models.RequestStatus{models.StatusPending, models.StatusApproved})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE verification_requests SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgres(db).Save(context.Background(), models.NewRequest(id.UserID(uuid.New()), time.Now()))
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}
