package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"veriflow/internal/attempts/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
	txcontext "veriflow/pkg/platform/tx"
)

// PostgresStore serializes updates with SELECT ... FOR UPDATE. When the
// context already carries a transaction the update joins it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const counterColumns = `user_id, step, remaining, max_attempts, in_flight, lease_until, completed, updated_at`

func (s *PostgresStore) Update(ctx context.Context, key models.Key, fn UpdateFunc) (*models.Counter, error) {
	if tx, ok := txcontext.From(ctx); ok {
		return s.update(ctx, tx, key, fn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin counter transaction: %w", err)
	}
	next, err := s.update(ctx, tx, key, fn)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit counter: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) update(ctx context.Context, tx *sql.Tx, key models.Key, fn UpdateFunc) (*models.Counter, error) {
	// A concurrent first insert loses the race on the primary key; the second
	// pass then finds and locks the winner's row.
	for range 2 {
		current, err := scanCounter(tx.QueryRowContext(ctx,
			`SELECT `+counterColumns+` FROM attempt_counters WHERE user_id = $1 AND step = $2 FOR UPDATE`,
			uuid.UUID(key.UserID), string(key.Step)))
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return nil, fmt.Errorf("lock counter: %w", err)
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		if current != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE attempt_counters SET
					remaining = $3, max_attempts = $4, in_flight = $5, lease_until = $6, completed = $7, updated_at = $8
				WHERE user_id = $1 AND step = $2
			`, counterArgs(next)...)
			if err != nil {
				return nil, fmt.Errorf("update counter: %w", err)
			}
			return next, nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO attempt_counters (`+counterColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, step) DO NOTHING
		`, counterArgs(next)...)
		if err != nil {
			return nil, fmt.Errorf("insert counter: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: attempt counter contended", sentinel.ErrConflict)
}

func (s *PostgresStore) Get(ctx context.Context, key models.Key) (*models.Counter, error) {
	c, err := scanCounter(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+counterColumns+` FROM attempt_counters WHERE user_id = $1 AND step = $2`,
		uuid.UUID(key.UserID), string(key.Step)))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanCounter(row *sql.Row) (*models.Counter, error) {
	var (
		c     models.Counter
		uid   uuid.UUID
		step  string
		lease sql.NullTime
	)
	err := row.Scan(&uid, &step, &c.Remaining, &c.Max, &c.InFlight, &lease, &c.Completed, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.UserID = id.UserID(uid)
	c.Step = models.Step(step)
	if lease.Valid {
		c.LeaseUntil = lease.Time
	}
	return &c, nil
}

func counterArgs(c *models.Counter) []any {
	var lease sql.NullTime
	if !c.LeaseUntil.IsZero() {
		lease = sql.NullTime{Time: c.LeaseUntil, Valid: true}
	}
	return []any{
		uuid.UUID(c.UserID),
		string(c.Step),
		c.Remaining,
		c.Max,
		c.InFlight,
		lease,
		c.Completed,
		c.UpdatedAt,
	}
}
