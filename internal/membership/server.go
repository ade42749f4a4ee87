// Package membership wires the memberd service: configuration, the member
// store, the Stripe webhook, background reconciliation and the admin surface.
package membership

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/memberd/internal/logging"
	"github.com/rcourtman/memberd/internal/membership/admin"
	"github.com/rcourtman/memberd/internal/membership/notify"
	"github.com/rcourtman/memberd/internal/membership/reconcile"
	"github.com/rcourtman/memberd/internal/membership/store"
	mstripe "github.com/rcourtman/memberd/internal/membership/stripe"
)

const shutdownTimeout = 30 * time.Second

// Run starts the memberd HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	log.Info().Str("version", version).Msg("Starting memberd")

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Shared ledger when Redis is configured (multiple replicas), otherwise the
	// member store's processed_events table.
	var ledger mstripe.Ledger
	var readiness []admin.Pinger
	if cfg.RedisURL != "" {
		redisLedger, err := store.NewRedisLedger(ctx, cfg.RedisURL, store.DefaultLedgerLockTTL)
		if err != nil {
			return fmt.Errorf("open redis event ledger: %w", err)
		}
		defer redisLedger.Close()
		ledger = redisLedger
		readiness = append(readiness, redisLedger)
		log.Info().Msg("Event ledger: redis")
	} else {
		ledger = store.NewSQLLedger(st, store.DefaultLedgerLockTTL)
		log.Info().Str("driver", st.Driver()).Msg("Event ledger: member store")
	}

	dispatcher := mstripe.NewDispatcher(st, newNotifier(cfg))
	reconciler := reconcile.New(st, mstripe.NewClient(cfg.StripeAPIKey), cfg.ReconcilerConfig())

	// Build HTTP routes
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:     cfg,
		Store:      st,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Readiness:  readiness,
		Version:    version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestContext(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := reconcile.NewScheduler(reconciler, cfg.ReconcileInterval, cfg.ReconcileOnStart)
	go scheduler.Run(ctx)

	go runMemberStatusMetrics(ctx, st)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("memberd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed")
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("memberd stopped")
	return runErr
}

// ReconcileOnce runs a single reconciliation pass outside the server.
func ReconcileOnce(ctx context.Context) (reconcile.JobResult, error) {
	cfg, err := LoadReconcileConfig()
	if err != nil {
		return reconcile.JobResult{}, fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	st, err := openStore(cfg)
	if err != nil {
		return reconcile.JobResult{}, err
	}
	defer st.Close()

	reconciler := reconcile.New(st, mstripe.NewClient(cfg.StripeAPIKey), cfg.ReconcilerConfig())
	report, err := reconciler.RunOnce(ctx)
	return reconcile.NewJobResult(report, err), err
}

func initLogging(cfg *Config) {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "memberd",
	})
}

func openStore(cfg *Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open member store: %w", err)
	}
	return st, nil
}

func newNotifier(cfg *Config) *notify.Notifier {
	var sender notify.Sender
	if cfg.PostmarkServerToken != "" {
		sender = notify.NewPostmarkSender(notify.PostmarkConfig{
			ServerToken:   cfg.PostmarkServerToken,
			MessageStream: cfg.PostmarkMessageStream,
		})
		log.Info().Str("stream", cfg.PostmarkMessageStream).Msg("Email sender configured (Postmark)")
	} else {
		sender = notify.NewLogSender(log.Logger)
		log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	}
	return notify.New(sender, notify.Config{
		From:      strings.TrimSpace(cfg.EmailFrom),
		SiteName:  cfg.SiteName,
		PortalURL: cfg.PortalURL,
	})
}
