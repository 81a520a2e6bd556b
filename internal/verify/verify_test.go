package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busfleet/kiosk-sync/internal/aggregator"
	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/consensus"
	"github.com/busfleet/kiosk-sync/internal/database"
	"github.com/busfleet/kiosk-sync/internal/embedding"
	"github.com/busfleet/kiosk-sync/internal/faceengine"
	"github.com/busfleet/kiosk-sync/internal/objectstore"
)

type fakeStore struct {
	event   *database.BoardingEvent
	saved   bool
	status  string
	confid  *float64
	student *string
}

func (f *fakeStore) GetBoardingEvent(ctx context.Context, eventID string) (*database.BoardingEvent, error) {
	if f.event == nil {
		return nil, apierr.New(apierr.NotFound, "not found")
	}
	return f.event, nil
}

func (f *fakeStore) SaveVerificationResult(ctx context.Context, eventID, status string, confidence *float64, studentID *string, consensusData []byte, at time.Time) error {
	f.saved = true
	f.status = status
	f.confid = confidence
	f.student = studentID
	return nil
}

type fakePublisher struct {
	published bool
}

func (f *fakePublisher) PublishVerdict(ctx context.Context, eventID string, isMismatch bool, payload []byte) {
	f.published = true
}

func newOrchestrator(t *testing.T, event *database.BoardingEvent, objects objectstore.Store) (*Orchestrator, *fakeStore, *fakePublisher) {
	store := &fakeStore{event: event}
	publisher := &fakePublisher{}
	ensemble, err := faceengine.NewEnsemble([]faceengine.Config{{Name: "mobilefacenet"}})
	require.NoError(t, err)
	engine := consensus.NewEngine(ensemble, consensus.Config{AmbiguityGap: 0.12, FastPathModel: "mobilefacenet", FastPathThreshold: 2.0, MinConsensus: 1})
	agg := aggregator.NewAggregator(engine)
	registry := embedding.NewRegistry(nil)
	return NewOrchestrator(store, objects, registry, agg, publisher), store, publisher
}

func strptr(s string) *string { return &s }

func TestRun_MarksFailedWhenNoConfirmationFaces(t *testing.T) {
	event := &database.BoardingEvent{EventID: "evt-1", StudentID: strptr("s1")}
	objects := objectstore.NewInMemoryStore()
	o, store, publisher := newOrchestrator(t, event, objects)

	err := o.Run(context.Background(), "evt-1")

	require.NoError(t, err)
	assert.True(t, store.saved)
	assert.Equal(t, database.VerificationStatusFailed, store.status)
	assert.False(t, publisher.published)
}

func TestRun_SwallowsNotFoundAsNoOp(t *testing.T) {
	objects := objectstore.NewInMemoryStore()
	o, store, _ := newOrchestrator(t, nil, objects)

	err := o.Run(context.Background(), "missing")

	require.NoError(t, err)
	assert.False(t, store.saved)
}

func TestIsMismatch_MissingBackendStudentAlwaysMismatches(t *testing.T) {
	assert.True(t, isMismatch(strptr("s1"), ""))
}

func TestIsMismatch_NilKioskStudentAlwaysMismatches(t *testing.T) {
	assert.True(t, isMismatch(nil, "s1"))
}

func TestIsMismatch_MatchingIDsAreNotMismatch(t *testing.T) {
	assert.False(t, isMismatch(strptr("s1"), "s1"))
}
