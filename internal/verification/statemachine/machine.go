// Package statemachine owns the per-user verification projection: the
// Identity Record flags, the Voice Profile and the single pending
// Verification Request. Every mutation runs under the user's lock and inside
// one transaction, and returns the post-transition Snapshot.
package statemachine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	identity "veriflow/internal/identity/models"
	"veriflow/internal/verification/metrics"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/store"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/sentinel"
	"veriflow/pkg/requestcontext"
)

const defaultLockTimeout = 5 * time.Second

var errPendingExists = dErrors.New(dErrors.CodeConflict, "a verification request is already pending")

// IdentityStore is the identity persistence the machine needs.
type IdentityStore interface {
	Get(ctx context.Context, userID id.UserID) (*identity.Identity, error)
	Create(ctx context.Context, identity *identity.Identity) error
	Save(ctx context.Context, identity *identity.Identity) error
	GetVoiceProfile(ctx context.Context, userID id.UserID) (*identity.VoiceProfile, error)
	SaveVoiceProfile(ctx context.Context, profile *identity.VoiceProfile) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// TxRunner scopes a transition to one transaction carried in ctx.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NoTx runs the function directly; used with the in-memory stores where the
// per-user lock is the only serialization needed.
type NoTx struct{}

func (NoTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Transition is a proposed change to one user's state. Apply runs with the
// user's lock held and may return a domain error to abort without writes.
type Transition struct {
	Name  string
	Apply func(ctx context.Context, s *State) error

	// ConsiderReview opens a pending request once voice, face and document
	// are all verified. Admin transitions leave it unset so a rejection
	// does not immediately reopen the case.
	ConsiderReview bool
}

type Machine struct {
	identities  IdentityStore
	requests    store.RequestStore
	auditor     AuditPublisher
	tx          TxRunner
	locks       *LockTable
	lockTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type Option func(*Machine)

func WithTxRunner(tx TxRunner) Option {
	return func(m *Machine) { m.tx = tx }
}

func WithLockTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

func New(identities IdentityStore, requests store.RequestStore, auditor AuditPublisher, opts ...Option) (*Machine, error) {
	if identities == nil {
		return nil, errors.New("identity store is required")
	}
	if requests == nil {
		return nil, errors.New("request store is required")
	}
	if auditor == nil {
		return nil, errors.New("audit publisher is required")
	}
	m := &Machine{
		identities:  identities,
		requests:    requests,
		auditor:     auditor,
		tx:          NoTx{},
		locks:       NewLockTable(),
		lockTimeout: defaultLockTimeout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ApplyTransition applies t atomically for userID and returns the resulting
// snapshot. Audit events queued by t are appended inside the same
// transaction, before the projection writes.
func (m *Machine) ApplyTransition(ctx context.Context, userID id.UserID, t Transition) (models.Snapshot, error) {
	var snap models.Snapshot
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		return m.tx.RunInTx(ctx, func(ctx context.Context) error {
			state, err := m.load(ctx, userID)
			if err != nil {
				return err
			}
			if err := t.Apply(ctx, state); err != nil {
				return err
			}
			if t.ConsiderReview {
				m.considerReview(state)
			}
			if err := m.commit(ctx, state); err != nil {
				return err
			}
			if state.opened != nil {
				m.metrics.IncrementReviewOpened(state.openTrigger)
				m.logger.InfoContext(ctx, "verification request opened",
					"user_id", userID.String(),
					"verification_request_id", state.opened.ID.String(),
					"transition", t.Name,
					"trigger", state.openTrigger,
				)
			}
			snap = models.NewSnapshot(state.Identity, state.profile, state.Pending())
			return nil
		})
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// Snapshot reads the current projection under the user's lock, so it never
// observes a half-applied transition.
func (m *Machine) Snapshot(ctx context.Context, userID id.UserID) (models.Snapshot, error) {
	var snap models.Snapshot
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		state, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		snap = models.NewSnapshot(state.Identity, state.profile, state.Pending())
		return nil
	})
	return snap, err
}

// EnsureIdentity creates the Identity Record on first authenticated access.
func (m *Machine) EnsureIdentity(ctx context.Context, userID id.UserID, email, phone string) (models.Snapshot, error) {
	var snap models.Snapshot
	err := m.withLock(ctx, userID, func(ctx context.Context) error {
		return m.tx.RunInTx(ctx, func(ctx context.Context) error {
			ident, err := m.identities.Get(ctx, userID)
			if errors.Is(err, sentinel.ErrNotFound) {
				ident = identity.NewIdentity(userID, email, phone, requestcontext.Now(ctx))
				if err := m.identities.Create(ctx, ident); err != nil {
					if errors.Is(err, sentinel.ErrConflict) {
						return dErrors.Wrap(err, dErrors.CodeConflict, "contact already belongs to another user")
					}
					return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create identity")
				}
				m.logger.InfoContext(ctx, "identity created", "user_id", userID.String())
			} else if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
			}
			state, err := m.loadFor(ctx, ident)
			if err != nil {
				return err
			}
			snap = models.NewSnapshot(state.Identity, state.profile, state.Pending())
			return nil
		})
	})
	return snap, err
}

// UpdateProfile edits name, date of birth and contacts through the same
// lock as step transitions.
func (m *Machine) UpdateProfile(ctx context.Context, userID id.UserID, update identity.ProfileUpdate) (models.Snapshot, error) {
	return m.ApplyTransition(ctx, userID, Transition{
		Name: "profile_update",
		Apply: func(_ context.Context, s *State) error {
			return update.Apply(s.Identity, s.Now)
		},
	})
}

// Identity returns a copy of the Identity Record for read-only prechecks.
func (m *Machine) Identity(ctx context.Context, userID id.UserID) (*identity.Identity, error) {
	ident, err := m.identities.Get(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "identity not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return ident, nil
}

// VoiceProfile returns a copy of the user's voice profile, nil when none.
func (m *Machine) VoiceProfile(ctx context.Context, userID id.UserID) (*identity.VoiceProfile, error) {
	profile, err := m.identities.GetVoiceProfile(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load voice profile")
	}
	return profile, nil
}

func (m *Machine) withLock(ctx context.Context, userID id.UserID, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	start := time.Now()
	unlock, err := m.locks.Lock(lockCtx, userID)
	m.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		m.logger.WarnContext(ctx, "timed out waiting for user lock",
			"user_id", userID.String(),
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeTimeout, "user state is busy, retry")
	}
	defer unlock()
	return fn(ctx)
}

func (m *Machine) load(ctx context.Context, userID id.UserID) (*State, error) {
	ident, err := m.identities.Get(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "identity not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return m.loadFor(ctx, ident)
}

func (m *Machine) loadFor(ctx context.Context, ident *identity.Identity) (*State, error) {
	profile, err := m.identities.GetVoiceProfile(ctx, ident.ID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load voice profile")
	}
	pending, err := m.requests.FindPending(ctx, ident.ID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load pending request")
	}
	return &State{
		Identity: ident,
		Now:      requestcontext.Now(ctx),
		loaded:   *ident,
		profile:  profile,
		pending:  pending,
		requests: m.requests,
		created:  make(map[id.RequestID]*models.Request),
		touched:  make(map[id.RequestID]*models.Request),
	}, nil
}

func (m *Machine) considerReview(s *State) {
	if !s.Identity.AllStepsVerified() || s.Identity.AdminApproved || s.Pending() != nil {
		return
	}
	s.open("complete")
}

func (m *Machine) commit(ctx context.Context, s *State) error {
	for _, event := range s.events {
		if err := m.auditor.Emit(ctx, event); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
		}
	}
	if s.identityChanged() {
		s.Identity.UpdatedAt = s.Now
		if err := m.identities.Save(ctx, s.Identity); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeConflict, "contact already belongs to another user")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save identity")
		}
	}
	if s.profileDirty {
		if err := m.identities.SaveVoiceProfile(ctx, s.profile); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save voice profile")
		}
	}
	if err := s.writeRequests(ctx); err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save verification request")
	}
	return nil
}
