// Command server runs the vigil liveness tracker: the HTTP boundary, the
// persistent store and the deadline sweep loop in one process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"vigil/internal/audit"
	"vigil/internal/engine"
	"vigil/internal/platform/config"
	"vigil/internal/platform/httpserver"
	"vigil/internal/platform/logger"
	"vigil/internal/platform/metrics"
	"vigil/internal/principal/store"
	"vigil/internal/principal/store/principals"
	"vigil/internal/principal/store/verifications"
	"vigil/internal/tracker"
	httptransport "vigil/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	principalStore, verificationStore, cleanup, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	auditLog, err := audit.NewWriter(cfg.AuditLogDir)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	trk := tracker.New(tracker.Config{
		Store:            principalStore,
		Verifications:    verificationStore,
		AuditLog:         auditLog,
		Metrics:          m,
		Logger:           log,
		SweepInterval:    cfg.SweepInterval,
		ChannelCap:       cfg.UpdateChannelCap,
		PurgeDenominator: cfg.PurgeDenominator,
	})

	eng := engine.New(engine.Config{
		Principals:    principalStore,
		Verifications: verificationStore,
		Deadlines:     trk,
		AuditLog:      auditLog,
		Metrics:       m,
		Logger:        log,
	})

	handler := httptransport.NewHandler(eng, log)
	router := httptransport.NewRouter(handler, log, registry)
	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting vigil", "addr", cfg.Addr, "store", cfg.StoreBackend)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := trk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweep loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStores builds the configured principal and verification stores plus a
// cleanup closing any underlying connections.
func openStores(cfg config.Server, log *slog.Logger) (store.PrincipalStore, store.VerificationStore, func(), error) {
	cleanup := func() {}

	var principalStore store.PrincipalStore
	var verificationStore store.VerificationStore

	switch cfg.StoreBackend {
	case "memory":
		principalStore = principals.NewMemory()
		verificationStore = verifications.NewMemory()
	case "sqlite":
		db, err := principals.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, cleanup, err
		}
		cleanup = func() { _ = db.Close() }
		principalStore, err = principals.NewSQLite(db)
		if err != nil {
			return nil, nil, cleanup, err
		}
		verificationStore, err = verifications.NewSQLite(db)
		if err != nil {
			return nil, nil, cleanup, err
		}
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("open postgres: %w", err)
		}
		cleanup = func() { _ = db.Close() }
		principalStore, err = principals.NewPostgres(db)
		if err != nil {
			return nil, nil, cleanup, err
		}
		verificationStore, err = verifications.NewPostgres(db)
		if err != nil {
			return nil, nil, cleanup, err
		}
	default:
		return nil, nil, cleanup, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	// Redis, when configured, takes over verification entries so their
	// expiry rides on key TTLs.
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("parse redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, cleanup, fmt.Errorf("redis ping failed: %w", err)
		}
		prev := cleanup
		cleanup = func() { _ = client.Close(); prev() }
		verificationStore = verifications.NewRedis(client)
		log.Info("verification store backed by redis")
	}

	return principalStore, verificationStore, cleanup, nil
}
