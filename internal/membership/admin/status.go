package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/memberd/internal/membership/metrics"
	"github.com/rcourtman/memberd/internal/membership/store"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource supplies the figures reported by /status.
type StatusSource interface {
	CountByStatus(ctx context.Context) (map[subscription.Status]int, error)
	LatestSyncReport(ctx context.Context) (*store.SyncReport, error)
}

type statusResponse struct {
	Version      string                      `json:"version"`
	TotalMembers int                         `json:"total_members"`
	Entitled     int                         `json:"entitled"`
	ByStatus     map[subscription.Status]int `json:"by_status"`
	LastReport   *store.SyncReport           `json:"last_report"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks every dependency (readiness probe).
func HandleReadyz(deps ...Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := len(deps) > 0
		for _, dep := range deps {
			if dep == nil {
				ready = false
				break
			}
			if err := dep.Ping(r.Context()); err != nil {
				log.Warn().Err(err).Msg("Readiness check failed")
				ready = false
				break
			}
		}

		w.Header().Set("Content-Type", "text/plain")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports member counts and the latest
// reconciliation report.
func HandleStatus(src StatusSource, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := src.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		for status, c := range counts {
			metrics.MembersByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		total, entitled := 0, 0
		for status, c := range counts {
			total += c
			if subscription.Entitled(status) {
				entitled += c
			}
		}

		report, err := src.LatestSyncReport(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		resp := statusResponse{
			Version:      version,
			TotalMembers: total,
			Entitled:     entitled,
			ByStatus:     counts,
			LastReport:   report,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
