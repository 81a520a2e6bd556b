package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/busfleet/kiosk-sync/internal/boarding"
	"github.com/busfleet/kiosk-sync/internal/database"
	"github.com/busfleet/kiosk-sync/internal/kioskauth"
	"github.com/busfleet/kiosk-sync/internal/snapshot"
	"github.com/busfleet/kiosk-sync/internal/urlcache"
)

// Verifier is the synchronous C12 entry point the durable-queue callback
// invokes, kept as a narrow interface here (rather than importing
// internal/verify directly) to match the decoupling pattern used for
// boarding.EnqueueFunc.
type Verifier interface {
	Run(ctx context.Context, eventID string) error
}

// Deps bundles every component the HTTP surface depends on, matching the
// teacher's main.go practice of constructing all dependencies up front and
// passing a dependency bundle into route registration.
type Deps struct {
	Store         *database.Store
	Activation    *kioskauth.ActivationService
	SessionIss    *kioskauth.SessionIssuer
	Heartbeat     *kioskauth.HeartbeatService
	SnapshotB     *snapshot.Builder
	URLCache      *urlcache.Cache
	Boarding      *boarding.Service
	Verifier      Verifier
	AllowedQueues []string
}

// NewRouter builds the full /api/v1 surface: sync protocol (C5), boarding
// ingestion (C6), device logs, and a verification-status read endpoint,
// mirroring the teacher's subrouter-plus-middleware-chain layout in
// cmd/api/main.go.
func NewRouter(deps *Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	r.HandleFunc("/health", handleHealth(deps)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	kiosk := api.PathPrefix("/kiosks/{kiosk_id}").Subrouter()
	kiosk.HandleFunc("/activate", handleActivate(deps)).Methods(http.MethodPost)

	authed := kiosk.NewRoute().Subrouter()
	authed.Use(RequireKioskSubject(deps.SessionIss))
	authed.HandleFunc("/check-updates", handleCheckUpdates(deps)).Methods(http.MethodGet)
	authed.HandleFunc("/download-snapshot", handleDownloadSnapshot(deps)).Methods(http.MethodGet)
	authed.HandleFunc("/heartbeat", handleHeartbeat(deps)).Methods(http.MethodPost)
	authed.HandleFunc("/logs", handleDeviceLogs(deps)).Methods(http.MethodPost)

	api.HandleFunc("/auth/token/refresh", handleRefreshToken(deps)).Methods(http.MethodPost)

	api.HandleFunc("/boarding-events/bulk", handleCreateBoardingEventsBulk(deps)).Methods(http.MethodPost)
	api.HandleFunc("/boarding-events", handleCreateBoardingEvent(deps)).Methods(http.MethodPost)
	api.HandleFunc("/face-verification/events/{event_id}", handleVerificationStatus(deps)).Methods(http.MethodGet)

	queue := api.PathPrefix("/face-verification").Subrouter()
	queue.Use(RequireQueueIdentity(deps.AllowedQueues))
	queue.HandleFunc("/verify", handleVerifyCallback(deps)).Methods(http.MethodPost)

	return r
}

func handleHealth(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
