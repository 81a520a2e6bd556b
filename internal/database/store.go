package database

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/busfleet/kiosk-sync/internal/apierr"
)

// Store is the relational store. It wraps a *sqlx.DB the way the teacher's
// Supabase client wraps its REST client: a single struct, constructed once,
// passed by pointer to every component that needs persistence.
type Store struct {
	db *sqlx.DB
}

// New opens a Postgres connection pool via lib/pq and returns a Store.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: connect failed", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open *sqlx.DB, such as one backed by
// sqlmock.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying *sql.DB for migration tooling, which operates
// below sqlx's row-mapping layer.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// --- Buses ---

func (s *Store) GetBus(ctx context.Context, id string) (*Bus, error) {
	var b Bus
	err := s.db.GetContext(ctx, &b, `SELECT id, name, route FROM buses WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.NotFound, "bus not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: get bus", err)
	}
	return &b, nil
}

// --- Kiosks ---

func (s *Store) GetKiosk(ctx context.Context, id string) (*Kiosk, error) {
	var k Kiosk
	err := s.db.GetContext(ctx, &k, `
		SELECT id, bus_id, firmware_version, is_active, last_heartbeat,
		       battery_level, is_charging, storage_used_mb, database_version, created_at
		FROM kiosks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.NotFound, "kiosk not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: get kiosk", err)
	}
	return &k, nil
}

func (s *Store) ListKiosks(ctx context.Context) ([]Kiosk, error) {
	var ks []Kiosk
	err := s.db.SelectContext(ctx, &ks, `
		SELECT id, bus_id, firmware_version, is_active, last_heartbeat,
		       battery_level, is_charging, storage_used_mb, database_version, created_at
		FROM kiosks`)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: list kiosks", err)
	}
	return ks, nil
}

// RecordHeartbeat updates liveness fields in one statement, mirroring the
// original's kiosk_heartbeat view.
func (s *Store) RecordHeartbeat(ctx context.Context, kioskID string, batteryLevel int, isCharging bool, storageUsedMB int, firmwareVersion string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kiosks SET last_heartbeat = $1, battery_level = $2, is_charging = $3,
		       storage_used_mb = $4, firmware_version = $5
		WHERE id = $6`, at, batteryLevel, isCharging, storageUsedMB, firmwareVersion, kioskID)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, "database: record heartbeat", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.New(apierr.NotFound, "kiosk not found")
	}
	return nil
}

// SetDatabaseVersion records the content_hash of the snapshot a kiosk last
// pulled, so subsequent check-updates calls can compare cheaply.
func (s *Store) SetDatabaseVersion(ctx context.Context, kioskID, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE kiosks SET database_version = $1 WHERE id = $2`, contentHash, kioskID)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, "database: set database version", err)
	}
	return nil
}

// --- Activation ---

// RedeemActivationToken performs the single-use activation exchange as one
// atomic compare-and-set: the UPDATE only succeeds if is_used was false,
// so concurrent redemptions of the same token race safely at the database
// rather than in application code.
func (s *Store) RedeemActivationToken(ctx context.Context, tokenHash string, at time.Time) (kioskID string, err error) {
	var id string
	err = s.db.GetContext(ctx, &id, `
		UPDATE activation_tokens SET is_used = TRUE, used_at = $2
		WHERE token_hash = $1 AND is_used = FALSE
		RETURNING kiosk_id`, tokenHash, at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apierr.New(apierr.Conflict, "activation token is invalid or already used")
	}
	if err != nil {
		return "", apierr.Wrap(apierr.StorageTransient, "database: redeem activation token", err)
	}
	return id, nil
}

// --- Students & embeddings ---

// ActiveStudentsForSnapshot returns every active student across every bus,
// per the fleet-sync REDESIGN FLAG resolution: each kiosk's snapshot carries
// the whole active roster, not just its own bus's, so a kiosk can flag a
// student boarding the wrong bus.
func (s *Store) ActiveStudentsForSnapshot(ctx context.Context) ([]Student, error) {
	var students []Student
	err := s.db.SelectContext(ctx, &students, `
		SELECT id, name, status, bus_id FROM students WHERE status = $1`, StudentStatusActive)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: list active students", err)
	}
	return students, nil
}

func (s *Store) EmbeddingsForStudents(ctx context.Context, studentIDs []string) ([]ReferenceEmbedding, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, student_id, embedding_data, quality_score, model_name
		FROM reference_embeddings WHERE student_id IN (?)`, studentIDs)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "database: build embeddings query", err)
	}
	query = s.db.Rebind(query)
	var embeddings []ReferenceEmbedding
	if err := s.db.SelectContext(ctx, &embeddings, query, args...); err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: list embeddings", err)
	}
	return embeddings, nil
}

// AllEmbeddings loads every enrolled embedding for the registry (C8), used
// by the verification orchestrator rather than the snapshot builder.
func (s *Store) AllEmbeddings(ctx context.Context) ([]ReferenceEmbedding, error) {
	var embeddings []ReferenceEmbedding
	err := s.db.SelectContext(ctx, &embeddings, `
		SELECT id, student_id, embedding_data, quality_score, model_name
		FROM reference_embeddings`)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: list all embeddings", err)
	}
	return embeddings, nil
}

// --- Boarding events ---

// CreateBoardingEvent inserts the initial event row with no crop paths
// attached yet; crops are attached by a separate UpdateCropPaths call so
// the enqueue guard in internal/boarding (attachCrops) can distinguish "event created"
// from "crops attached" the way original_source's post_save signal does.
func (s *Store) CreateBoardingEvent(ctx context.Context, e *BoardingEvent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO boarding_events (
			event_id, student_id, kiosk_id, confidence_score, timestamp,
			latitude, longitude, bus_route, model_version, metadata,
			backend_verification_status
		) VALUES (
			:event_id, :student_id, :kiosk_id, :confidence_score, :timestamp,
			:latitude, :longitude, :bus_route, :model_version, :metadata,
			:backend_verification_status
		)`, e)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, "database: create boarding event", err)
	}
	return nil
}

// UpdateCropPaths attaches confirmation-face object paths to an existing
// event. Returns the event's current backend_verification_status so the
// caller (internal/boarding) can decide whether to enqueue re-verification
// without a second round trip.
func (s *Store) UpdateCropPaths(ctx context.Context, eventID string, paths []string) (status string, err error) {
	var p1, p2, p3 *string
	if len(paths) > 0 {
		p1 = &paths[0]
	}
	if len(paths) > 1 {
		p2 = &paths[1]
	}
	if len(paths) > 2 {
		p3 = &paths[2]
	}
	err = s.db.GetContext(ctx, &status, `
		UPDATE boarding_events
		SET confirmation_face_1_path = $2, confirmation_face_2_path = $3, confirmation_face_3_path = $4
		WHERE event_id = $1
		RETURNING backend_verification_status`, eventID, p1, p2, p3)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apierr.New(apierr.NotFound, "boarding event not found")
	}
	if err != nil {
		return "", apierr.Wrap(apierr.StorageTransient, "database: update crop paths", err)
	}
	return status, nil
}

func (s *Store) DeleteBoardingEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM boarding_events WHERE event_id = $1`, eventID)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, "database: delete boarding event", err)
	}
	return nil
}

func (s *Store) GetBoardingEvent(ctx context.Context, eventID string) (*BoardingEvent, error) {
	var e BoardingEvent
	err := s.db.GetContext(ctx, &e, `
		SELECT event_id, student_id, kiosk_id, confidence_score, timestamp,
		       latitude, longitude, bus_route, model_version, metadata,
		       confirmation_face_1_path, confirmation_face_2_path, confirmation_face_3_path,
		       backend_verification_status, backend_verification_confidence,
		       backend_student_id, backend_verified_at, model_consensus_data
		FROM boarding_events WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.New(apierr.NotFound, "boarding event not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "database: get boarding event", err)
	}
	return &e, nil
}

// SaveVerificationResult performs the single field-masked update the
// orchestrator issues once consensus finishes, matching
// original_source's explicit update_fields list rather than a full-row
// save.
func (s *Store) SaveVerificationResult(ctx context.Context, eventID, status string, confidence *float64, studentID *string, consensusData []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE boarding_events SET
			backend_verification_status = $2,
			backend_verification_confidence = $3,
			backend_student_id = $4,
			backend_verified_at = $5,
			model_consensus_data = $6
		WHERE event_id = $1`, eventID, status, confidence, studentID, at, consensusData)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, "database: save verification result", err)
	}
	return nil
}

// --- Device logs ---

func (s *Store) InsertDeviceLogs(ctx context.Context, logs []DeviceLog) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, "database: begin device log tx", err)
	}
	defer tx.Rollback()

	for _, l := range logs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_logs (kiosk_id, level, message, logged_at, metadata)
			VALUES ($1, $2, $3, $4, $5)`, l.KioskID, l.Level, l.Message, l.LoggedAt, l.Metadata); err != nil {
			return apierr.Wrap(apierr.StorageTransient, "database: insert device log", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apierr.Wrap(apierr.StorageTransient, "database: commit device logs", err)
	}
	return nil
}

// IsTransient classifies a *sql or *pq error as retryable: an apierr
// StorageTransient error, or one whose message contains "connection reset",
// "broken pipe", "timeout" or "too many connections". Every other error,
// constraint violations included, is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == apierr.StorageTransient
	}
	msg := err.Error()
	return containsAny(msg, "connection reset", "broken pipe", "timeout", "too many connections")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	slog.Info("database: closing connection pool")
	return s.db.Close()
}
