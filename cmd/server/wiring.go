package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	attemptservice "veriflow/internal/attempts/service"
	attemptstore "veriflow/internal/attempts/store"
	"veriflow/internal/blob"
	identitystore "veriflow/internal/identity/store"
	"veriflow/internal/matching"
	"veriflow/internal/matching/fallback"
	matchingmetrics "veriflow/internal/matching/metrics"
	"veriflow/internal/matching/providers"
	"veriflow/internal/matching/providers/httpapi"
	"veriflow/internal/notify"
	notifymetrics "veriflow/internal/notify/metrics"
	"veriflow/internal/orchestrator"
	"veriflow/internal/platform/config"
	"veriflow/internal/platform/kafka"
	"veriflow/internal/platform/postgres"
	"veriflow/internal/platform/redis"
	"veriflow/internal/review"
	verificationmetrics "veriflow/internal/verification/metrics"
	"veriflow/internal/verification/statemachine"
	verificationstore "veriflow/internal/verification/store"
	"veriflow/internal/verification/steps"
	audit "veriflow/pkg/platform/audit"
	"veriflow/pkg/platform/audit/publisher"
	auditmemory "veriflow/pkg/platform/audit/store/memory"
	auditpg "veriflow/pkg/platform/audit/store/postgres"
)

const dispatcherDrainTimeout = 5 * time.Second

// application holds the assembled services and everything that must be
// released on shutdown.
type application struct {
	orchestrator *orchestrator.Service
	relay        *kafka.Relay
	closers      []func()
}

func (a *application) close(log *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	log.Info("resources released")
}

// stores groups the persistence choices made from configuration.
type stores struct {
	identities identityStores
	requests   verificationstore.RequestStore
	audit      audit.Store
	challenges verificationstore.ChallengeStore
	ledger     attemptstore.Store
	tx         statemachine.TxRunner
	outbox     *auditpg.Store
}

// identityStores is satisfied by both identity store backends.
type identityStores interface {
	statemachine.IdentityStore
	steps.ContactLookup
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{}
	fail := func(err error) (*application, error) {
		app.close(log)
		return nil, err
	}

	st, err := openStores(ctx, cfg, log, app)
	if err != nil {
		return fail(err)
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	pub := publisher.NewPublisher(st.audit, publisher.WithLogger(log))
	verificationMetrics := verificationmetrics.New()

	machine, err := statemachine.New(st.identities, st.requests, pub,
		statemachine.WithTxRunner(st.tx),
		statemachine.WithLockTimeout(cfg.Policy.LockTimeout),
		statemachine.WithMetrics(verificationMetrics),
		statemachine.WithLogger(log),
	)
	if err != nil {
		return fail(fmt.Errorf("state machine: %w", err))
	}

	ledger, err := attemptservice.New(st.ledger,
		attemptservice.WithAuditPublisher(pub),
		attemptservice.WithMaxAttempts(cfg.Policy.MaxAttemptsFor),
		attemptservice.WithLease(cfg.Policy.AttemptLease),
		attemptservice.WithLogger(log),
	)
	if err != nil {
		return fail(fmt.Errorf("attempt ledger: %w", err))
	}

	adapter, err := buildAdapter(cfg, blobs, log)
	if err != nil {
		return fail(err)
	}

	verifiers, err := steps.New(machine, adapter, ledger, st.identities, pub,
		steps.WithChallengeStore(st.challenges),
		steps.WithChallengeTTL(cfg.Policy.ChallengeTTL),
		steps.WithEnrollmentSatisfiesVoice(cfg.Policy.EnrollmentSatisfiesVoice),
		steps.WithMetrics(verificationMetrics),
		steps.WithLogger(log),
	)
	if err != nil {
		return fail(fmt.Errorf("step verifiers: %w", err))
	}

	dispatcher, err := buildDispatcher(cfg, log, app)
	if err != nil {
		return fail(err)
	}

	reviewer, err := review.New(machine, st.requests, ledger, pub,
		review.WithDispatcher(dispatcher),
		review.WithMetrics(verificationMetrics),
		review.WithLogger(log),
	)
	if err != nil {
		return fail(fmt.Errorf("admin review: %w", err))
	}

	app.orchestrator, err = orchestrator.New(machine, verifiers, reviewer, blobs, pub,
		orchestrator.WithLogger(log),
	)
	if err != nil {
		return fail(fmt.Errorf("orchestrator: %w", err))
	}

	if st.outbox != nil && len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, producer.Close)
		app.relay = kafka.NewRelay(st.outbox, producer, cfg.Kafka, kafka.WithLogger(log))
	}
	return app, nil
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger, app *application) (*stores, error) {
	st := &stores{tx: statemachine.NoTx{}}

	var db *sql.DB
	switch cfg.StorageBackend {
	case "postgres":
		var err error
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = db.Close() })
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return nil, err
			}
		}
		st.identities = identitystore.NewPostgres(db)
		st.requests = verificationstore.NewPostgres(db)
		st.outbox = auditpg.New(db)
		st.audit = st.outbox
		st.tx = postgres.NewTxRunner(db)
	default:
		st.identities = identitystore.NewInMemory()
		st.requests = verificationstore.NewInMemory()
		st.audit = auditmemory.NewInMemoryStore()
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		app.closers = append(app.closers, func() { _ = rdb.Close() })
		st.challenges = verificationstore.NewRedisChallenges(rdb.Client)
	} else {
		st.challenges = verificationstore.NewInMemoryChallenges()
	}

	switch cfg.LedgerBackend {
	case "postgres":
		st.ledger = attemptstore.NewPostgres(db)
	case "redis":
		st.ledger = attemptstore.NewRedis(rdb.Client)
	default:
		st.ledger = attemptstore.NewInMemory()
	}

	log.Info("stores ready",
		"storage", cfg.StorageBackend,
		"ledger", cfg.LedgerBackend,
		"redis", rdb != nil,
	)
	return st, nil
}

// blobBackend is what both the orchestrator and the fallback comparator need
// from the Blob Store.
type blobBackend interface {
	orchestrator.BlobStore
	fallback.Fetcher
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobBackend, error) {
	if cfg.BlobBackend == "minio" {
		store, err := blob.NewMinio(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return blob.NewInMemory(), nil
}

func buildAdapter(cfg *config.Config, blobs fallback.Fetcher, log *slog.Logger) (*matching.Adapter, error) {
	opts := []matching.Option{
		matching.WithTimeout(cfg.Policy.ProviderTimeout),
		matching.WithBreakerThresholds(cfg.Providers.BreakerFails, cfg.Providers.BreakerCloses),
		matching.WithMetrics(matchingmetrics.New()),
		matching.WithLogger(log),
	}
	if cfg.Providers.BiometricURL != "" {
		opts = append(opts, matching.WithBiometricPrimary(
			httpapi.New("biometric-primary", cfg.Providers.BiometricURL, cfg.Providers.BiometricKey)))
	}
	if cfg.Providers.DocumentURL != "" {
		opts = append(opts, matching.WithDocumentPrimary(
			httpapi.New("document-primary", cfg.Providers.DocumentURL, cfg.Providers.DocumentKey)))
	}

	var comparator providers.Provider = fallback.New(blobs, fallback.WithThreshold(cfg.Policy.FallbackMatchThreshold))
	adapter, err := matching.New(comparator, opts...)
	if err != nil {
		return nil, fmt.Errorf("matching adapter: %w", err)
	}
	return adapter, nil
}

// buildDispatcher fans decisions out to every configured channel. The log
// notifier is always present so decisions leave a trace without any channel.
func buildDispatcher(cfg *config.Config, log *slog.Logger, app *application) (*notify.Dispatcher, error) {
	channels := notify.Multi{notify.NewLogNotifier(log)}

	if cfg.Mailer.APIKey != "" {
		mailer, err := notify.NewMailerSend(cfg.Mailer.APIKey, cfg.Mailer.FromName, cfg.Mailer.FromEmail, log)
		if err != nil {
			return nil, fmt.Errorf("mailersend: %w", err)
		}
		channels = append(channels, mailer)
	}
	if cfg.NATS.URL != "" {
		publisher, closeConn, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, closeConn)
		channels = append(channels, publisher)
	}

	dispatcher, err := notify.NewDispatcher(channels,
		notify.WithMetrics(notifymetrics.New()),
		notify.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("notification dispatcher: %w", err)
	}
	// Registered after the NATS close so the queue drains before the
	// connection goes away.
	app.closers = append(app.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatcherDrainTimeout)
		defer cancel()
		if err := dispatcher.Close(ctx); err != nil {
			log.Warn("notification queue not drained", "error", err)
		}
	})
	return dispatcher, nil
}
