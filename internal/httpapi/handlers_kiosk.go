package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/database"
)

type activateRequest struct {
	ActivationSecret string `json:"activation_secret"`
}

// handleActivate is the one-time activation exchange (§4.4): a kiosk
// trades its single-use activation secret for a bearer session.
func handleActivate(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req activateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.Validation, "invalid request body"))
			return
		}

		kioskID, err := deps.Activation.Activate(r.Context(), req.ActivationSecret)
		if err != nil {
			writeError(w, err)
			return
		}

		session, err := deps.SessionIss.IssueSession(kioskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"kiosk_id":      kioskID,
			"access_token":  session.AccessToken,
			"refresh_token": session.RefreshToken,
			"expires_in":    session.ExpiresIn,
		})
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh"`
}

// handleRefreshToken exchanges a refresh token for a fresh access token
// (§6's `POST /api/v1/auth/token/refresh/`), keeping kiosk sessions alive
// without re-running activation.
func handleRefreshToken(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.Validation, "invalid request body"))
			return
		}

		session, err := deps.SessionIss.Refresh(req.RefreshToken)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": session.AccessToken,
			"expires_in":   session.ExpiresIn,
		})
	}
}

// handleCheckUpdates answers whether a kiosk's cached snapshot is stale by
// comparing its recorded database_version against a freshly computed
// content hash, per §4.5.
func handleCheckUpdates(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kioskID := mux.Vars(r)["kiosk_id"]
		kiosk, err := deps.Store.GetKiosk(r.Context(), kioskID)
		if err != nil {
			writeError(w, err)
			return
		}

		busID := ""
		if kiosk.BusID != nil {
			busID = *kiosk.BusID
		}
		result, err := deps.SnapshotB.Build(r.Context(), busID)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"update_available": result.ContentHash != kiosk.DatabaseVersion,
			"content_hash":     result.ContentHash,
			"current_version":  kiosk.DatabaseVersion,
		})
	}
}

// handleDownloadSnapshot builds and returns the fleet-sync snapshot for the
// kiosk's bus, recording the delivered content hash as the kiosk's new
// database_version.
func handleDownloadSnapshot(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kioskID := mux.Vars(r)["kiosk_id"]
		kiosk, err := deps.Store.GetKiosk(r.Context(), kioskID)
		if err != nil {
			writeError(w, err)
			return
		}

		busID := ""
		if kiosk.BusID != nil {
			busID = *kiosk.BusID
		}
		result, err := deps.SnapshotB.Build(r.Context(), busID)
		if err != nil {
			writeError(w, err)
			return
		}

		if err := deps.Store.SetDatabaseVersion(r.Context(), kioskID, result.ContentHash); err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("x-snapshot-checksum", result.ContentHash)
		w.Header().Set("x-snapshot-size", itoa(len(result.Bytes)))
		w.Header().Set("Content-Type", "application/x-sqlite3")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Bytes)
	}
}

type heartbeatRequest struct {
	BatteryLevel    int    `json:"battery_level"`
	IsCharging      bool   `json:"is_charging"`
	StorageUsedMB   int    `json:"storage_used_mb"`
	FirmwareVersion string `json:"firmware_version"`
}

// handleHeartbeat records liveness and returns the derived health status,
// per §4.4.
func handleHeartbeat(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kioskID := mux.Vars(r)["kiosk_id"]
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.Validation, "invalid request body"))
			return
		}

		status, err := deps.Heartbeat.Record(r.Context(), kioskID, req.BatteryLevel, req.IsCharging, req.StorageUsedMB, req.FirmwareVersion)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    status,
			"kiosk_id":  kioskID,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

type deviceLogEntry struct {
	Level    string          `json:"level"`
	Message  string          `json:"message"`
	LoggedAt time.Time       `json:"logged_at"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type deviceLogsRequest struct {
	Logs []deviceLogEntry `json:"logs"`
}

// handleDeviceLogs is the supplemented bulk device-log ingestion endpoint
// (grounded on original_source's kiosk_log view), carried here since it
// shares the bearer-auth path and is not excluded by any Non-goal.
func handleDeviceLogs(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kioskID := mux.Vars(r)["kiosk_id"]
		var req deviceLogsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.Validation, "invalid request body"))
			return
		}

		logs := make([]database.DeviceLog, 0, len(req.Logs))
		for _, l := range req.Logs {
			logs = append(logs, database.DeviceLog{
				KioskID:  kioskID,
				Level:    l.Level,
				Message:  l.Message,
				LoggedAt: l.LoggedAt,
				Metadata: l.Metadata,
			})
		}

		if err := deps.Store.InsertDeviceLogs(r.Context(), logs); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"accepted": len(logs)})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
