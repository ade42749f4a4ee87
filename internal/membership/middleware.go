package membership

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rcourtman/memberd/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestContext attaches a request ID (honoring an incoming X-Request-ID) and
// a request-scoped logger, logs each request, and recovers handler panics.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get("X-Request-ID")))
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", requestID)
		start := time.Now()

		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(ctx).Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in HTTP handler")
				http.Error(rec, "internal error", http.StatusInternalServerError)
			}

			logging.FromContext(ctx).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("elapsed", time.Since(start)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(rec, r)
	})
}
