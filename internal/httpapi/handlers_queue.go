package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/busfleet/kiosk-sync/internal/apierr"
)

type verifyCallbackRequest struct {
	EventID string `json:"event_id"`
}

// handleVerifyCallback is the durable-queue callback target C7 dispatches
// to (`POST /api/v1/face-verification/verify`): it runs C12 synchronously
// for the given event and reports success/failure so the queue can decide
// whether to retry, matching the teacher's webhook-delivery handler shape.
func handleVerifyCallback(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.Validation, "invalid request body"))
			return
		}
		if req.EventID == "" {
			writeError(w, apierr.New(apierr.Validation, "event_id is required"))
			return
		}

		if err := deps.Verifier.Run(r.Context(), req.EventID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"event_id": req.EventID, "status": "processed"})
	}
}
