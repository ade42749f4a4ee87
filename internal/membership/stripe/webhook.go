// Package stripe authenticates Stripe webhook deliveries, applies their
// events to member records, and queries Stripe for subscription state.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	merrors "github.com/rcourtman/memberd/internal/errors"
	"github.com/rcourtman/memberd/internal/logging"
	"github.com/rcourtman/memberd/internal/membership/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Ledger runs fn at most once per Stripe event ID.
type Ledger interface {
	Do(ctx context.Context, eventID, eventType string, fn func(context.Context) error) (already bool, err error)
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	verifier   *Verifier
	ledger     Ledger
	dispatcher *Dispatcher
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. ledger may be nil,
// in which case redeliveries rely on handler idempotency alone.
func NewWebhookHandler(verifier *Verifier, ledger Ledger, dispatcher *Dispatcher) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		ledger:     ledger,
		dispatcher: dispatcher,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	outcome := "rejected"
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		metrics.WebhookOutcomes.WithLabelValues(outcome).Inc()
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if !h.verifier.Configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get(SignatureHeader)
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	if _, err := h.verifier.Verify(payload, sigHeader); err != nil {
		status = http.StatusBadRequest
		msg := "invalid Stripe signature"
		if errors.Is(err, ErrTimestampOutsideTolerance) {
			msg = "Stripe signature timestamp outside tolerance"
		}
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Stripe webhook rejected")
		writeJSON(w, status, webhookErrorResponse{Error: msg})
		return
	}

	event, err := ParseEvent(payload)
	if err != nil {
		status = http.StatusBadRequest
		log.Warn().Err(err).Msg("Stripe webhook payload could not be decoded")
		writeJSON(w, status, webhookErrorResponse{Error: "invalid event payload"})
		return
	}
	eventType = event.Type

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var result Outcome
	apply := func(ctx context.Context) error {
		var err error
		result, err = h.dispatcher.Dispatch(ctx, event)
		return err
	}

	already := false
	if h.ledger != nil {
		already, err = h.ledger.Do(ctx, event.ID, event.Type, apply)
	} else {
		err = apply(ctx)
	}

	switch {
	case errors.Is(err, merrors.ErrEventInFlight):
		status = http.StatusConflict
		outcome = "in_flight"
		logger.Info().Str("event_id", event.ID).Str("type", event.Type).Msg("Stripe webhook event already in flight")
		writeJSON(w, status, webhookErrorResponse{Error: "event is being processed"})
		return
	case err != nil:
		status = http.StatusInternalServerError
		outcome = "failed"
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", event.Type).
			Bool("retryable", merrors.IsRetryableError(err)).
			Msg("Stripe webhook processing failed")
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	case already:
		outcome = "duplicate"
		logger.Info().Str("event_id", event.ID).Str("type", event.Type).Msg("Stripe webhook duplicate delivery ignored")
	default:
		outcome = string(result)
	}

	status = http.StatusOK
	writeJSON(w, status, webhookReceivedResponse{Received: true, Status: outcome})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("stripe: encode webhook response")
	}
}
