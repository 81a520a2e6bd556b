// Package embedding is the C8 registry: it loads every enrolled reference
// embedding, grouped by student, coercing each row's vector from whatever
// representation it was stored in. Grounded on
// original_source/app/face_verification/services/embedding_service.py.
package embedding

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/busfleet/kiosk-sync/internal/database"
)

// Vector is a single enrolled face embedding tagged with the model that
// produced it.
type Vector struct {
	EmbeddingID string
	ModelName   string
	Values      []float32
}

// Store is the read surface the registry needs.
type Store interface {
	AllEmbeddings(ctx context.Context) ([]database.ReferenceEmbedding, error)
}

// Registry groups embeddings by student for consensus lookups.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// LoadAll returns every enrolled embedding, keyed by student ID; rows are
// not filtered by student status.
// Rows whose vector cannot be coerced are skipped with a warning, never an
// error — a single malformed enrollment must not take down re-verification
// for the whole fleet.
func (r *Registry) LoadAll(ctx context.Context) (map[string][]Vector, error) {
	rows, err := r.store.AllEmbeddings(ctx)
	if err != nil {
		return nil, err
	}

	byStudent := make(map[string][]Vector)
	for _, row := range rows {
		values, ok := CoerceVector(row.EmbeddingData)
		if !ok {
			slog.Warn("embedding: skipping malformed embedding", "embedding_id", row.ID, "student_id", row.StudentID)
			continue
		}
		byStudent[row.StudentID] = append(byStudent[row.StudentID], Vector{
			EmbeddingID: row.ID,
			ModelName:   row.ModelName,
			Values:      values,
		})
	}
	return byStudent, nil
}

// CoerceVector accepts a native []float32, a JSON-encoded number array
// decoded into database.FloatVector already, or (via CoerceBytes) a
// little-endian float32 BLOB — the three representations
// original_source's embedding service and the snapshot builder can both
// produce.
func CoerceVector(v database.FloatVector) ([]float32, bool) {
	if len(v) == 0 {
		return nil, false
	}
	return []float32(v), true
}

// CoerceBytes decodes a little-endian float32 BLOB, the packing the
// snapshot builder uses, into a vector. Returns false if the byte length
// is not a multiple of 4.
func CoerceBytes(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out, true
}

// CoerceJSON decodes a JSON-encoded number array into a vector.
func CoerceJSON(raw []byte) ([]float32, bool) {
	var floats []float32
	if err := json.Unmarshal(raw, &floats); err != nil || len(floats) == 0 {
		return nil, false
	}
	return floats, true
}
