package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/busfleet/kiosk-sync/internal/embedding"
	"github.com/busfleet/kiosk-sync/internal/faceengine"
)

type fakeModel struct {
	name      string
	threshold float64
	vector    []float32
}

func (f *fakeModel) Name() string       { return f.name }
func (f *fakeModel) Dimensions() int    { return len(f.vector) }
func (f *fakeModel) Threshold() float64 { return f.threshold }
func (f *fakeModel) Embed(ctx context.Context, img faceengine.ImageRGB) ([]float32, error) {
	return f.vector, nil
}

func cfg() Config {
	return Config{AmbiguityGap: 0.12, FastPathModel: "mobilefacenet", FastPathThreshold: 0.75, MinConsensus: 2}
}

func TestApplyConsensusVoting_AllAgreeNotAmbiguous_HighVerified(t *testing.T) {
	e := &Engine{cfg: cfg()}
	results := []ModelResult{
		{ModelName: "m1", TopStudentID: "s1", TopScore: 0.9, IsAmbiguous: false},
		{ModelName: "m2", TopStudentID: "s1", TopScore: 0.85, IsAmbiguous: false},
		{ModelName: "m3", TopStudentID: "s1", TopScore: 0.95, IsAmbiguous: false},
	}
	r := e.applyConsensusVoting(results)
	require.Equal(t, StatusVerified, r.Status)
	require.Equal(t, ConfidenceHigh, r.ConfidenceLevel)
	require.Equal(t, "s1", r.StudentID)
	require.Equal(t, 0.95, r.ConfidenceScore)
}

func TestApplyConsensusVoting_MinConsensusNotAmbiguous_MediumVerified(t *testing.T) {
	e := &Engine{cfg: cfg()}
	results := []ModelResult{
		{ModelName: "m1", TopStudentID: "s1", TopScore: 0.9, IsAmbiguous: false},
		{ModelName: "m2", TopStudentID: "s1", TopScore: 0.85, IsAmbiguous: false},
		{ModelName: "m3", TopStudentID: "s2", TopScore: 0.99, IsAmbiguous: false},
	}
	r := e.applyConsensusVoting(results)
	require.Equal(t, StatusVerified, r.Status)
	require.Equal(t, ConfidenceMedium, r.ConfidenceLevel)
	require.Equal(t, "s1", r.StudentID)
}

func TestApplyConsensusVoting_MinConsensusAmbiguous_MediumFlagged(t *testing.T) {
	e := &Engine{cfg: cfg()}
	results := []ModelResult{
		{ModelName: "m1", TopStudentID: "s1", TopScore: 0.7, IsAmbiguous: true},
		{ModelName: "m2", TopStudentID: "s1", TopScore: 0.72, IsAmbiguous: false},
		{ModelName: "m3", TopStudentID: "s2", TopScore: 0.9, IsAmbiguous: false},
	}
	r := e.applyConsensusVoting(results)
	require.Equal(t, StatusFlagged, r.Status)
	require.Equal(t, ConfidenceMedium, r.ConfidenceLevel)
}

func TestApplyConsensusVoting_BelowMinConsensus_LowFlagged(t *testing.T) {
	e := &Engine{cfg: cfg()}
	results := []ModelResult{
		{ModelName: "m1", TopStudentID: "s1", TopScore: 0.7, IsAmbiguous: false},
		{ModelName: "m2", TopStudentID: "s2", TopScore: 0.8, IsAmbiguous: false},
		{ModelName: "m3", TopStudentID: "s3", TopScore: 0.9, IsAmbiguous: false},
	}
	r := e.applyConsensusVoting(results)
	require.Equal(t, StatusFlagged, r.Status)
	require.Equal(t, ConfidenceLow, r.ConfidenceLevel)
}

func TestApplyConsensusVoting_AllModelsFailed(t *testing.T) {
	e := &Engine{cfg: cfg()}
	results := []ModelResult{
		{ModelName: "m1", Failed: true},
		{ModelName: "m2", Failed: true},
	}
	r := e.applyConsensusVoting(results)
	require.Equal(t, StatusFailed, r.Status)
}

func TestRunSingleModel_SubThresholdCandidatesDoNotVote(t *testing.T) {
	e := &Engine{cfg: cfg()}
	model := &fakeModel{name: "m1", threshold: 0.5, vector: []float32{1, 0}}
	gallery := map[string][]embedding.Vector{
		"s1": {{ModelName: "m1", Values: []float32{1, 0}}},  // cosine 1.0, clears 0.5
		"s2": {{ModelName: "m1", Values: []float32{0, 1}}},  // cosine 0.0, below 0.5
	}

	result, err := e.runSingleModel(context.Background(), model, faceengine.ImageRGB{Pixels: []byte{1}}, gallery)

	require.NoError(t, err)
	require.False(t, result.Failed)
	require.Equal(t, "s1", result.TopStudentID)
}

func TestRunSingleModel_NoCandidateMeetsThreshold_ModelVotesNone(t *testing.T) {
	e := &Engine{cfg: cfg()}
	model := &fakeModel{name: "m1", threshold: 0.99, vector: []float32{1, 0}}
	gallery := map[string][]embedding.Vector{
		"s1": {{ModelName: "m1", Values: []float32{0, 1}}}, // cosine 0.0
	}

	result, err := e.runSingleModel(context.Background(), model, faceengine.ImageRGB{Pixels: []byte{1}}, gallery)

	require.NoError(t, err)
	require.True(t, result.Failed)
}

func TestRunSingleModel_AmbiguityGapBoundary(t *testing.T) {
	e := &Engine{cfg: cfg()}

	// gap exactly 0.12 is NOT ambiguous (strict less-than)
	top := []ScoredStudent{{StudentID: "s1", Score: 0.80}, {StudentID: "s2", Score: 0.68}}
	gap := top[0].Score - top[1].Score
	require.InDelta(t, 0.12, gap, 1e-9)
	require.False(t, gap < e.cfg.AmbiguityGap)

	// gap just under 0.12 IS ambiguous
	top2 := []ScoredStudent{{StudentID: "s1", Score: 0.80}, {StudentID: "s2", Score: 0.69}}
	gap2 := top2[0].Score - top2[1].Score
	require.True(t, gap2 < e.cfg.AmbiguityGap)
}
