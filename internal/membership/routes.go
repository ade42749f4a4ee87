package membership

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/memberd/internal/membership/admin"
	"github.com/rcourtman/memberd/internal/membership/reconcile"
	"github.com/rcourtman/memberd/internal/membership/store"
	mstripe "github.com/rcourtman/memberd/internal/membership/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Store      *store.Store
	Ledger     mstripe.Ledger // nil disables event-id deduplication
	Dispatcher *mstripe.Dispatcher
	Reconciler reconcile.Runner
	Readiness  []admin.Pinger // checked by /readyz in addition to Store
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	pingers := append([]admin.Pinger{deps.Store}, deps.Readiness...)
	mux.HandleFunc("/readyz", admin.HandleReadyz(pingers...))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Store, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	verifier := mstripe.NewVerifier(deps.Config.StripeWebhookSecrets, deps.Config.WebhookTolerance)
	webhookHandler := mstripe.NewWebhookHandler(verifier, deps.Ledger, deps.Dispatcher)
	webhookLimiter := NewRateLimiter(defaultWebhookRateLimit, defaultWebhookRateWindow)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Admin API (key-authenticated)
	mux.Handle("/admin/reconcile", adminAuth(admin.HandleReconcile(deps.Reconciler)))
}
