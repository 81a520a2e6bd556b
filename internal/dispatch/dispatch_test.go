package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	ran    []string
	failOn map[string]bool
}

func (f *fakeVerifier) Run(ctx context.Context, eventID string) error {
	f.ran = append(f.ran, eventID)
	if f.failOn[eventID] {
		return assertErr{}
	}
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "verification failed" }

func TestInlineDispatcher_RunsVerificationSynchronously(t *testing.T) {
	verifier := &fakeVerifier{failOn: map[string]bool{}}
	d := NewInlineDispatcher(verifier)

	err := d.Enqueue(context.Background(), "event-1")

	require.NoError(t, err)
	assert.Equal(t, []string{"event-1"}, verifier.ran)
}

func TestInlineDispatcher_PropagatesVerifierError(t *testing.T) {
	verifier := &fakeVerifier{failOn: map[string]bool{"event-2": true}}
	d := NewInlineDispatcher(verifier)

	err := d.Enqueue(context.Background(), "event-2")

	assert.Error(t, err)
}

func TestIdempotenceGuard_SkipsTerminalStatuses(t *testing.T) {
	terminal := map[string]bool{"verified": true, "flagged": true, "failed": true}

	assert.False(t, IdempotenceGuard("verified", terminal))
	assert.False(t, IdempotenceGuard("flagged", terminal))
	assert.True(t, IdempotenceGuard("pending", terminal))
}
