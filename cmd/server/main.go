package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"veriflow/internal/jwttoken"
	"veriflow/internal/platform/config"
	"veriflow/internal/platform/httpserver"
	"veriflow/internal/platform/logger"
	"veriflow/internal/platform/metrics"
	httptransport "veriflow/internal/transport/http"
)

// main wires the verification services, exposes the HTTP router, and runs
// the background relay until a signal arrives.
func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close(log)

	tokens := jwttoken.NewJWTService(cfg.JWT.SigningKey, cfg.JWT.Issuer, cfg.JWT.Audience)
	handler := httptransport.New(app.orchestrator, tokens, cfg.JWT.SessionTTL, log)
	router := httptransport.NewRouter(handler, jwttoken.NewJWTServiceAdapter(tokens), metrics.New(), log)
	srv := httpserver.New(cfg.Server.Addr, router)

	log.Info("starting verification service",
		"addr", cfg.Server.Addr,
		"storage", cfg.StorageBackend,
		"ledger", cfg.LedgerBackend,
		"blob", cfg.BlobBackend,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	if app.relay != nil {
		g.Go(func() error {
			return app.relay.Run(gctx)
		})
	}
	return g.Wait()
}
