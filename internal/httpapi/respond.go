package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/busfleet/kiosk-sync/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error to its §7 HTTP status and a message safe to
// return to the caller; Conflict errors never enumerate what conflicted.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		writeJSON(w, apierr.HTTPStatus(apiErr.Kind), map[string]string{"error": apiErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
