// Package httpapi is the HTTP surface: gorilla/mux routing, request
// logging, and kiosk-bearer authentication, generalizing the teacher's
// cmd/api/main.go route registration and
// internal/middleware/tenant.go header-based auth pattern.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/kioskauth"
)

type contextKey string

const kioskIDContextKey contextKey = "kiosk_id"

// LoggingMiddleware logs method, path, status and latency for every
// request, matching the teacher's global request logger.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequireKioskSubject validates a bearer access token and verifies its
// subject matches the {kiosk_id} path variable, generalizing
// TenantMiddleware's "validate credential, inject identity, reject on
// mismatch" pattern to kiosk sessions.
func RequireKioskSubject(issuer *kioskauth.SessionIssuer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, apierr.New(apierr.Authentication, "missing bearer token"))
				return
			}
			kioskID, err := issuer.Authenticate(token)
			if err != nil {
				writeError(w, err)
				return
			}
			if pathKioskID, ok := mux.Vars(r)["kiosk_id"]; ok && pathKioskID != "" && pathKioskID != kioskID {
				writeError(w, apierr.New(apierr.Authorization, "bearer subject does not match kiosk_id"))
				return
			}
			ctx := context.WithValue(r.Context(), kioskIDContextKey, kioskID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireQueueIdentity validates that a durable-queue callback carries an
// X-CloudTasks-QueueName header naming an allow-listed queue, per §6's
// "carries queue-identity headers ... MUST be validated against an
// allow-list of queue names; reject otherwise."
func RequireQueueIdentity(allowedQueues []string) mux.MiddlewareFunc {
	allowed := make(map[string]bool, len(allowedQueues))
	for _, q := range allowedQueues {
		allowed[q] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			queueName := r.Header.Get("X-CloudTasks-QueueName")
			if queueName == "" || !allowed[queueName] {
				writeError(w, apierr.New(apierr.Authentication, "missing or unrecognized queue identity"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func kioskIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(kioskIDContextKey).(string)
	return v
}
