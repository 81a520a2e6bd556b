// Package snapshot builds the C3 fleet-sync artifact: a self-contained,
// content-addressed SQLite database that a kiosk downloads wholesale and
// queries offline. It is grounded on original_source/app/kiosks/services.py
// (the authoritative SnapshotGenerator, not the superseded per-bus-only
// version in services/snapshot_generator.py): every active student across
// every bus is packed in, each row carries a bus_id, and the content hash
// covers the full un-truncated SHA-256 over sorted ids.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/database"
)

const schemaVersion = "1.0.0"

// SourceStore is the subset of database.Store the builder needs, so tests
// can supply a fake without standing up Postgres.
type SourceStore interface {
	ActiveStudentsForSnapshot(ctx context.Context) ([]database.Student, error)
	EmbeddingsForStudents(ctx context.Context, studentIDs []string) ([]database.ReferenceEmbedding, error)
}

// DecryptFunc resolves an opaque ciphertext blob into plaintext at the
// custodian boundary (§9 Non-goal: no PII-at-rest encryption is implemented
// in-process). The default NoopDecrypt passes bytes through unchanged.
type DecryptFunc func(ciphertext string) (string, error)

func NoopDecrypt(ciphertext string) (string, error) { return ciphertext, nil }

// Builder produces snapshot files for a given bus.
type Builder struct {
	source  SourceStore
	tempDir string
	decrypt DecryptFunc
}

func NewBuilder(source SourceStore, tempDir string, decrypt DecryptFunc) *Builder {
	if decrypt == nil {
		decrypt = NoopDecrypt
	}
	return &Builder{source: source, tempDir: tempDir, decrypt: decrypt}
}

// Result is the built snapshot: its bytes plus the metadata a caller needs
// to respond to a download-snapshot request without re-opening the file.
type Result struct {
	Bytes       []byte
	ContentHash string
	StudentIDs  []string
	BuiltAt     time.Time
}

// Build generates a snapshot for busID. Every active student fleet-wide is
// included, each row stamped with its own bus_id, so a kiosk can recognize
// a student who boarded the wrong bus.
func (b *Builder) Build(ctx context.Context, busID string) (*Result, error) {
	students, err := b.source.ActiveStudentsForSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	studentIDs := make([]string, 0, len(students))
	for _, s := range students {
		studentIDs = append(studentIDs, s.ID)
	}

	embeddings, err := b.source.EmbeddingsForStudents(ctx, studentIDs)
	if err != nil {
		return nil, err
	}

	contentHash := calculateContentHash(studentIDs, embeddingIDs(embeddings))

	path := filepath.Join(b.tempDir, fmt.Sprintf("snapshot-%s.sqlite", uuid.NewString()))
	if err := b.populate(path, busID, students, embeddings, contentHash); err != nil {
		return nil, err
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "snapshot: read built file", err)
	}

	return &Result{
		Bytes:       data,
		ContentHash: contentHash,
		StudentIDs:  studentIDs,
		BuiltAt:     time.Now(),
	}, nil
}

// calculateContentHash matches original_source's calculate_content_hash: a
// SHA-256 over the sorted student ids concatenated, then the sorted
// embedding ids concatenated, with no separators — deterministic across
// rebuilds regardless of database row order.
func calculateContentHash(studentIDs, embeddingIDs []string) string {
	sortedStudents := append([]string(nil), studentIDs...)
	sort.Strings(sortedStudents)
	sortedEmbeddings := append([]string(nil), embeddingIDs...)
	sort.Strings(sortedEmbeddings)

	h := sha256.New()
	for _, id := range sortedStudents {
		h.Write([]byte(id))
	}
	for _, id := range sortedEmbeddings {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func embeddingIDs(embeddings []database.ReferenceEmbedding) []string {
	ids := make([]string, 0, len(embeddings))
	for _, e := range embeddings {
		ids = append(ids, e.ID)
	}
	return ids
}

func (b *Builder) populate(path, busID string, students []database.Student, embeddings []database.ReferenceEmbedding, contentHash string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "snapshot: open sqlite file", err)
	}
	defer db.Close()

	if err := createSchema(db); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return apierr.Wrap(apierr.Internal, "snapshot: begin tx", err)
	}

	if err := populateStudents(tx, students, b.decrypt); err != nil {
		tx.Rollback()
		return err
	}
	if err := populateEmbeddings(tx, embeddings); err != nil {
		tx.Rollback()
		return err
	}
	if err := populateMetadata(tx, busID, len(students), len(embeddings), contentHash); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return apierr.Wrap(apierr.Internal, "snapshot: commit tx", err)
	}
	return nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE students (
			student_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT DEFAULT 'active',
			bus_id TEXT
		)`,
		`CREATE INDEX idx_students_status ON students(status)`,
		`CREATE INDEX idx_students_bus ON students(bus_id)`,
		`CREATE TABLE face_embeddings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			embedding_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			embedding_vector BLOB,
			quality_score REAL,
			model_name TEXT
		)`,
		`CREATE INDEX idx_embeddings_student ON face_embeddings(student_id)`,
		`CREATE TABLE sync_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return apierr.Wrap(apierr.Internal, "snapshot: create schema", err)
		}
	}
	return nil
}

func populateStudents(tx *sql.Tx, students []database.Student, decrypt DecryptFunc) error {
	stmt, err := tx.Prepare(`INSERT INTO students (student_id, name, status, bus_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "snapshot: prepare student insert", err)
	}
	defer stmt.Close()

	for _, s := range students {
		name, err := decrypt(s.Name)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "snapshot: decrypt student name", err)
		}
		if _, err := stmt.Exec(s.ID, name, s.Status, s.BusID); err != nil {
			return apierr.Wrap(apierr.Internal, "snapshot: insert student", err)
		}
	}
	return nil
}

func populateEmbeddings(tx *sql.Tx, embeddings []database.ReferenceEmbedding) error {
	stmt, err := tx.Prepare(`
		INSERT INTO face_embeddings (embedding_id, student_id, embedding_vector, quality_score, model_name)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "snapshot: prepare embedding insert", err)
	}
	defer stmt.Close()

	for _, e := range embeddings {
		blob := packFloat32LE(e.EmbeddingData)
		if _, err := stmt.Exec(e.ID, e.StudentID, blob, e.QualityScore, e.ModelName); err != nil {
			return apierr.Wrap(apierr.Internal, "snapshot: insert embedding", err)
		}
	}
	return nil
}

// packFloat32LE matches original_source's struct.pack(f"{n}f", ...): each
// float32 written little-endian, back to back.
func packFloat32LE(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func populateMetadata(tx *sql.Tx, busID string, studentCount, embeddingCount int, contentHash string) error {
	rows := map[string]string{
		"schema_version":  schemaVersion,
		"sync_timestamp":  time.Now().UTC().Format(time.RFC3339),
		"bus_id":          busID,
		"student_count":   fmt.Sprintf("%d", studentCount),
		"embedding_count": fmt.Sprintf("%d", embeddingCount),
		"content_hash":    contentHash,
	}
	stmt, err := tx.Prepare(`INSERT INTO sync_metadata (key, value) VALUES (?, ?)`)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "snapshot: prepare metadata insert", err)
	}
	defer stmt.Close()
	for k, v := range rows {
		if _, err := stmt.Exec(k, v); err != nil {
			return apierr.Wrap(apierr.Internal, "snapshot: insert metadata", err)
		}
	}
	return nil
}
