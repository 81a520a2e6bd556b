// Package database is the relational store backing buses, kiosks,
// students, reference embeddings and boarding events. It wraps
// database/sql via sqlx, with lib/pq as the driver, mirroring the
// teacher's direct dependency on lib/pq (previously used only indirectly
// through Supabase's Postgres; here it drives the connection directly).
package database

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Bus is a single physical vehicle a kiosk is mounted on.
type Bus struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Route string `db:"route" json:"route"`
}

// Kiosk is a registered device. DatabaseVersion records the content_hash of
// the last snapshot this kiosk successfully downloaded; check-updates
// compares it against the hash of a freshly built snapshot.
type Kiosk struct {
	ID              string     `db:"id" json:"id"`
	BusID           *string    `db:"bus_id" json:"bus_id,omitempty"`
	FirmwareVersion string     `db:"firmware_version" json:"firmware_version"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	LastHeartbeat   *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	BatteryLevel    *int       `db:"battery_level" json:"battery_level,omitempty"`
	IsCharging      bool       `db:"is_charging" json:"is_charging"`
	StorageUsedMB   *int       `db:"storage_used_mb" json:"storage_used_mb,omitempty"`
	DatabaseVersion string     `db:"database_version" json:"database_version"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// IsOnline is derived at read time, not persisted, per the spec's rule that
// liveness is a function of (now, last_heartbeat) rather than stored state.
func (k *Kiosk) IsOnline(now time.Time, within time.Duration) bool {
	if k.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*k.LastHeartbeat) <= within
}

// IsOffline flags a kiosk that has missed heartbeats long enough to alert.
func (k *Kiosk) IsOffline(now time.Time, after time.Duration) bool {
	if k.LastHeartbeat == nil {
		return true
	}
	return now.Sub(*k.LastHeartbeat) > after
}

// ActivationToken is a one-time, single-use credential minted by an
// operator and redeemed by a kiosk on first boot.
type ActivationToken struct {
	TokenHash string     `db:"token_hash" json:"-"`
	KioskID   string     `db:"kiosk_id" json:"kiosk_id"`
	IsUsed    bool       `db:"is_used" json:"is_used"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UsedAt    *time.Time `db:"used_at" json:"used_at,omitempty"`
}

// Student is a fleet-wide enrollment record. A student's bus_id reflects
// their assigned route but the snapshot (C3) distributes every active
// student to every kiosk regardless of bus.
type Student struct {
	ID     string `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Status string `db:"status" json:"status"`
	BusID  string `db:"bus_id" json:"bus_id"`
}

const (
	StudentStatusActive   = "active"
	StudentStatusInactive = "inactive"
)

// FloatVector is a []float32 embedding that can be scanned from either a
// BYTEA column (little-endian float32 blob, matching the snapshot's own
// packing) or a JSON array, matching the embedding registry's vector
// coercion rules (C8).
type FloatVector []float32

func (v FloatVector) Value() (driver.Value, error) {
	b, err := json.Marshal([]float32(v))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (v *FloatVector) Scan(src interface{}) error {
	switch t := src.(type) {
	case []byte:
		if err := json.Unmarshal(t, v); err == nil {
			return nil
		}
		if len(t) == 0 || len(t)%4 != 0 {
			return fmt.Errorf("database: FloatVector.Scan: not a JSON array or float32 blob")
		}
		out := make(FloatVector, len(t)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t[i*4:]))
		}
		*v = out
		return nil
	case string:
		return json.Unmarshal([]byte(t), v)
	case nil:
		*v = nil
		return nil
	default:
		return fmt.Errorf("database: FloatVector.Scan: unsupported type %T", src)
	}
}

// ReferenceEmbedding is one enrolled face vector for a student, produced by
// a specific model adapter.
type ReferenceEmbedding struct {
	ID            string      `db:"id" json:"id"`
	StudentID     string      `db:"student_id" json:"student_id"`
	EmbeddingData FloatVector `db:"embedding_data" json:"-"`
	QualityScore  float64     `db:"quality_score" json:"quality_score"`
	ModelName     string      `db:"model_name" json:"model_name"`
}

// BoardingEvent is the append-only record a kiosk creates when it believes
// it recognized a student, plus the asynchronous re-verification verdict
// the backend attaches to it.
type BoardingEvent struct {
	EventID                       string          `db:"event_id" json:"event_id"`
	StudentID                     *string         `db:"student_id" json:"student_id,omitempty"`
	KioskID                       string          `db:"kiosk_id" json:"kiosk_id"`
	ConfidenceScore               float64         `db:"confidence_score" json:"confidence_score"`
	Timestamp                     time.Time       `db:"timestamp" json:"timestamp"`
	Latitude                      *float64        `db:"latitude" json:"latitude,omitempty"`
	Longitude                     *float64        `db:"longitude" json:"longitude,omitempty"`
	BusRoute                      string          `db:"bus_route" json:"bus_route"`
	ModelVersion                  string          `db:"model_version" json:"model_version"`
	Metadata                      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	ConfirmationFace1Path         *string         `db:"confirmation_face_1_path" json:"-"`
	ConfirmationFace2Path         *string         `db:"confirmation_face_2_path" json:"-"`
	ConfirmationFace3Path         *string         `db:"confirmation_face_3_path" json:"-"`
	BackendVerificationStatus     string          `db:"backend_verification_status" json:"backend_verification_status"`
	BackendVerificationConfidence *float64        `db:"backend_verification_confidence" json:"backend_verification_confidence,omitempty"`
	BackendStudentID              *string         `db:"backend_student_id" json:"backend_student_id,omitempty"`
	BackendVerifiedAt             *time.Time      `db:"backend_verified_at" json:"backend_verified_at,omitempty"`
	ModelConsensusData            json.RawMessage `db:"model_consensus_data" json:"model_consensus_data,omitempty"`
}

const (
	VerificationStatusPending  = "pending"
	VerificationStatusVerified = "verified"
	VerificationStatusFlagged  = "flagged"
	VerificationStatusFailed   = "failed"
)

// TerminalVerificationStatuses is the idempotence guard set: once an event
// reaches one of these, the task dispatcher must not enqueue it again.
var TerminalVerificationStatuses = map[string]bool{
	VerificationStatusVerified: true,
	VerificationStatusFlagged:  true,
	VerificationStatusFailed:   true,
}

// MaxConfirmationFaces bounds how many confirmation crops an event may
// carry, matching original_source's MAX_CONFIRMATION_FACES.
const MaxConfirmationFaces = 3

// DeviceLog is a structured log line a kiosk reports via the bulk logging
// endpoint, grounded on original_source's DeviceLog model (supplemented
// feature, not in spec.md's core set but not excluded by any Non-goal).
type DeviceLog struct {
	ID       int64           `db:"id" json:"id"`
	KioskID  string          `db:"kiosk_id" json:"kiosk_id"`
	Level    string          `db:"level" json:"level"`
	Message  string          `db:"message" json:"message"`
	LoggedAt time.Time       `db:"logged_at" json:"logged_at"`
	Metadata json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}
