package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/boarding"
)

// handleCreateBoardingEvent ingests a kiosk's on-device boarding prediction
// (C6), optionally attaching confirmation-face crops in the same request.
func handleCreateBoardingEvent(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req boarding.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.Validation, "invalid request body"))
			return
		}

		eventID, err := deps.Boarding.Create(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"event_id": eventID})
	}
}

// handleCreateBoardingEventsBulk is the §4.6 bulk variant: each element is
// processed independently and reported per-element, unless the request
// opts into all-or-nothing semantics via "atomic".
func handleCreateBoardingEventsBulk(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req boarding.BulkCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.Validation, "invalid request body"))
			return
		}

		result, err := deps.Boarding.CreateBulk(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

// handleVerificationStatus is the supplemented read endpoint (grounded on
// original_source's VerificationStatusView) letting a caller poll an
// event's asynchronous re-verification verdict once C9-C12 finish.
func handleVerificationStatus(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["event_id"]
		event, err := deps.Store.GetBoardingEvent(r.Context(), eventID)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"event_id":                        event.EventID,
			"backend_verification_status":     event.BackendVerificationStatus,
			"backend_verification_confidence": event.BackendVerificationConfidence,
			"backend_student_id":              event.BackendStudentID,
			"backend_verified_at":             event.BackendVerifiedAt,
			"model_consensus_data":            event.ModelConsensusData,
		})
	}
}
