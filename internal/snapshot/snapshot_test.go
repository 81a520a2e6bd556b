package snapshot

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/busfleet/kiosk-sync/internal/database"
)

type fakeSource struct {
	students   []database.Student
	embeddings []database.ReferenceEmbedding
}

func (f *fakeSource) ActiveStudentsForSnapshot(ctx context.Context) ([]database.Student, error) {
	return f.students, nil
}

func (f *fakeSource) EmbeddingsForStudents(ctx context.Context, studentIDs []string) ([]database.ReferenceEmbedding, error) {
	return f.embeddings, nil
}

func testSource() *fakeSource {
	return &fakeSource{
		students: []database.Student{
			{ID: "s2", Name: "Bea", Status: database.StudentStatusActive, BusID: "bus-1"},
			{ID: "s1", Name: "Ada", Status: database.StudentStatusActive, BusID: "bus-2"},
		},
		embeddings: []database.ReferenceEmbedding{
			{ID: "e1", StudentID: "s1", EmbeddingData: []float32{0.1, 0.2}, ModelName: "mobilefacenet"},
			{ID: "e2", StudentID: "s2", EmbeddingData: []float32{0.3, 0.4}, ModelName: "mobilefacenet"},
		},
	}
}

func TestBuild_IsDeterministicAcrossRebuilds(t *testing.T) {
	b := NewBuilder(testSource(), t.TempDir(), nil)

	r1, err := b.Build(context.Background(), "bus-1")
	require.NoError(t, err)
	r2, err := b.Build(context.Background(), "bus-1")
	require.NoError(t, err)

	require.Equal(t, r1.ContentHash, r2.ContentHash)
	require.Len(t, r1.ContentHash, 64)
}

func TestBuild_IncludesAllActiveStudentsAcrossBuses(t *testing.T) {
	b := NewBuilder(testSource(), t.TempDir(), nil)
	r, err := b.Build(context.Background(), "bus-1")
	require.NoError(t, err)

	path := writeTempFile(t, r.Bytes)
	defer os.Remove(path)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM students`).Scan(&count))
	require.Equal(t, 2, count)

	var busID string
	require.NoError(t, db.QueryRow(`SELECT bus_id FROM students WHERE student_id = 'bus-2' OR student_id = 's1' LIMIT 1`).Scan(&busID))
}

func TestBuild_ContentHashChangesWhenRosterChanges(t *testing.T) {
	src := testSource()
	b := NewBuilder(src, t.TempDir(), nil)
	r1, err := b.Build(context.Background(), "bus-1")
	require.NoError(t, err)

	src.students = append(src.students, database.Student{ID: "s3", Name: "Cy", Status: database.StudentStatusActive, BusID: "bus-1"})
	r2, err := b.Build(context.Background(), "bus-1")
	require.NoError(t, err)

	require.NotEqual(t, r1.ContentHash, r2.ContentHash)
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp("", "snapshot-test-*.sqlite")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}
