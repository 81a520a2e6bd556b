package boarding

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busfleet/kiosk-sync/internal/database"
	"github.com/busfleet/kiosk-sync/internal/objectstore"
)

type fakeStore struct {
	created      []*database.BoardingEvent
	deleted      []string
	cropStatus   string
	failOnUpdate bool
}

func (f *fakeStore) CreateBoardingEvent(ctx context.Context, e *database.BoardingEvent) error {
	f.created = append(f.created, e)
	return nil
}

func (f *fakeStore) UpdateCropPaths(ctx context.Context, eventID string, paths []string) (string, error) {
	if f.failOnUpdate {
		return "", assertError{}
	}
	status := f.cropStatus
	if status == "" {
		status = database.VerificationStatusPending
	}
	return status, nil
}

func (f *fakeStore) DeleteBoardingEvent(ctx context.Context, eventID string) error {
	f.deleted = append(f.deleted, eventID)
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "update failed" }

func TestCreate_NoCropsPersistsEventOnly(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)

	eventID, err := svc.Create(context.Background(), CreateRequest{
		KioskID:         "kiosk-1",
		ConfidenceScore: 0.9,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, eventID)
	assert.Len(t, store.created, 1)
}

func TestCreate_WithCropsEnqueuesWhenNotTerminal(t *testing.T) {
	store := &fakeStore{cropStatus: database.VerificationStatusPending}
	objects := objectstore.NewInMemoryStore()
	enqueued := false
	enqueue := func(ctx context.Context, eventID string) error {
		enqueued = true
		return nil
	}
	svc := NewService(store, objects, enqueue)

	crop := base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes"))
	_, err := svc.Create(context.Background(), CreateRequest{
		KioskID:           "kiosk-1",
		ConfidenceScore:   0.8,
		ConfirmationFaces: []string{crop},
	})

	require.NoError(t, err)
	assert.True(t, enqueued)
}

func TestCreate_SkipsEnqueueWhenAlreadyTerminal(t *testing.T) {
	store := &fakeStore{cropStatus: database.VerificationStatusVerified}
	objects := objectstore.NewInMemoryStore()
	enqueued := false
	enqueue := func(ctx context.Context, eventID string) error {
		enqueued = true
		return nil
	}
	svc := NewService(store, objects, enqueue)

	crop := base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes"))
	_, err := svc.Create(context.Background(), CreateRequest{
		KioskID:           "kiosk-1",
		ConfidenceScore:   0.8,
		ConfirmationFaces: []string{crop},
	})

	require.NoError(t, err)
	assert.False(t, enqueued)
}

func TestCreate_RollsBackOnInvalidBase64(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		KioskID:           "kiosk-1",
		ConfidenceScore:   0.8,
		ConfirmationFaces: []string{"not-valid-base64!!"},
	})

	require.Error(t, err)
	assert.Len(t, store.deleted, 1)
}

func TestCreate_NormalizesUnknownStudentIDToNull(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)
	unknown := "UNKNOWN"

	_, err := svc.Create(context.Background(), CreateRequest{
		KioskID:         "kiosk-1",
		StudentID:       &unknown,
		ConfidenceScore: 0.5,
	})

	require.NoError(t, err)
	require.Len(t, store.created, 1)
	assert.Nil(t, store.created[0].StudentID)
}

func TestCreate_DefaultsMetadataEventType(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		KioskID:         "kiosk-1",
		ConfidenceScore: 0.5,
	})

	require.NoError(t, err)
	require.Len(t, store.created, 1)
	assert.JSONEq(t, `{"event_type":"boarding"}`, string(store.created[0].Metadata))
}

func TestCreate_PreservesExplicitEventType(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		KioskID:         "kiosk-1",
		ConfidenceScore: 0.5,
		Metadata:        []byte(`{"event_type":"alighting"}`),
	})

	require.NoError(t, err)
	assert.JSONEq(t, `{"event_type":"alighting"}`, string(store.created[0].Metadata))
}

func TestCreateBulk_ProcessesEachElementIndependently(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)

	result, err := svc.CreateBulk(context.Background(), BulkCreateRequest{
		Events: []CreateRequest{
			{KioskID: "kiosk-1", ConfidenceScore: 0.5},
			{KioskID: "kiosk-1", ConfidenceScore: 1.5}, // invalid
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Len(t, result.Events, 1)
	assert.Len(t, result.Results, 2)
	assert.NotEmpty(t, result.Results[1].Error)
}

func TestCreateBulk_AtomicRollsBackOnAnyFailure(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)

	_, err := svc.CreateBulk(context.Background(), BulkCreateRequest{
		Atomic: true,
		Events: []CreateRequest{
			{KioskID: "kiosk-1", ConfidenceScore: 0.5},
			{KioskID: "kiosk-1", ConfidenceScore: 1.5}, // invalid
		},
	})

	require.Error(t, err)
	assert.Len(t, store.deleted, 1)
}

func TestCreate_ValidationRejectsOutOfRangeConfidence(t *testing.T) {
	store := &fakeStore{}
	objects := objectstore.NewInMemoryStore()
	svc := NewService(store, objects, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		KioskID:         "kiosk-1",
		ConfidenceScore: 1.5,
	})

	require.Error(t, err)
}
