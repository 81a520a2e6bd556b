// Package consensus implements C10: per-model top-5 scoring, ambiguity
// detection, a cascading fast path, and full-ensemble voting. Grounded
// line-for-line on
// original_source/app/face_verification/services/consensus_service.py
// (FaceVerificationConsensusService).
package consensus

import (
	"context"
	"sort"

	"github.com/busfleet/kiosk-sync/internal/embedding"
	"github.com/busfleet/kiosk-sync/internal/faceengine"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"

	StatusVerified = "verified"
	StatusFlagged  = "flagged"
	StatusFailed   = "failed"
)

// ModelResult is one model's top-5 scored candidates for a single face
// crop, matching _format_model_result's output shape.
type ModelResult struct {
	ModelName    string
	TopStudentID string
	TopScore     float64
	TopK         []ScoredStudent
	TopKGap      float64
	IsAmbiguous  bool
	Failed       bool
}

type ScoredStudent struct {
	StudentID string
	Score     float64
}

// Result is the outcome of running consensus over one face crop.
type Result struct {
	StudentID        string
	ConfidenceScore  float64
	ConfidenceLevel  string
	Status           string
	ConsensusCount   int
	ModelResults     []ModelResult
	CascadedFastPath bool
}

// Config carries the thresholds spec.md assigns to the voting table.
type Config struct {
	AmbiguityGap      float64
	FastPathModel     string
	FastPathThreshold float64
	MinConsensus      int
}

// Engine runs an ensemble of embedders against one probe image and a
// candidate gallery of enrolled embeddings.
type Engine struct {
	ensemble *faceengine.Ensemble
	cfg      Config
}

func NewEngine(ensemble *faceengine.Ensemble, cfg Config) *Engine {
	return &Engine{ensemble: ensemble, cfg: cfg}
}

// Verify runs the cascading fast path, then the full ensemble if the fast
// path didn't resolve, matching verify_face's control flow.
func (e *Engine) Verify(ctx context.Context, probe faceengine.ImageRGB, gallery map[string][]embedding.Vector) (*Result, error) {
	if fastModel, ok := e.ensemble.Get(e.cfg.FastPathModel); ok {
		result, err := e.runSingleModel(ctx, fastModel, probe, gallery)
		if err != nil {
			return nil, err
		}
		if !result.Failed && !result.IsAmbiguous && result.TopScore >= e.cfg.FastPathThreshold {
			return &Result{
				StudentID:        result.TopStudentID,
				ConfidenceScore:  result.TopScore,
				ConfidenceLevel:  ConfidenceHigh,
				Status:           StatusVerified,
				ConsensusCount:   1,
				ModelResults:     []ModelResult{*result},
				CascadedFastPath: true,
			}, nil
		}
	}

	var modelResults []ModelResult
	for _, name := range e.ensemble.Names() {
		m, _ := e.ensemble.Get(name)
		result, err := e.runSingleModel(ctx, m, probe, gallery)
		if err != nil {
			return nil, err
		}
		modelResults = append(modelResults, *result)
	}

	return e.applyConsensusVoting(modelResults), nil
}

func (e *Engine) runSingleModel(ctx context.Context, model faceengine.Embedder, probe faceengine.ImageRGB, gallery map[string][]embedding.Vector) (*ModelResult, error) {
	probeVec, err := model.Embed(ctx, probe)
	if err != nil {
		return &ModelResult{ModelName: model.Name(), Failed: true}, nil
	}

	threshold := model.Threshold()
	var scored []ScoredStudent
	for studentID, vectors := range gallery {
		best := -1.0
		for _, v := range vectors {
			if v.ModelName != model.Name() {
				continue
			}
			score := faceengine.Cosine(probeVec, v.Values)
			if score > best {
				best = score
			}
		}
		// A student only becomes a candidate if its best score clears the
		// model's own threshold; sub-threshold matches never vote.
		if best >= threshold {
			scored = append(scored, ScoredStudent{StudentID: studentID, Score: best})
		}
	}

	if len(scored) == 0 {
		return &ModelResult{ModelName: model.Name(), Failed: true}, nil
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	topK := scored
	if len(topK) > 5 {
		topK = topK[:5]
	}

	gap := topK[0].Score
	if len(topK) > 1 {
		gap = topK[0].Score - topK[1].Score
	}

	return &ModelResult{
		ModelName:    model.Name(),
		TopStudentID: topK[0].StudentID,
		TopScore:     topK[0].Score,
		TopK:         topK,
		TopKGap:      gap,
		IsAmbiguous:  gap < e.cfg.AmbiguityGap,
	}, nil
}

// applyConsensusVoting replicates _apply_consensus_voting: each non-failed
// model casts a vote for its top student; the winner is whoever has the
// most votes, with best_score the maximum confidence among the agreeing
// models; has_ambiguous_match is true if any agreeing model flagged
// ambiguity.
func (e *Engine) applyConsensusVoting(modelResults []ModelResult) *Result {
	votes := make(map[string]int)
	bestScore := make(map[string]float64)
	ambiguous := make(map[string]bool)
	liveModels := 0

	for _, r := range modelResults {
		if r.Failed {
			continue
		}
		liveModels++
		votes[r.TopStudentID]++
		if r.TopScore > bestScore[r.TopStudentID] {
			bestScore[r.TopStudentID] = r.TopScore
		}
		if r.IsAmbiguous {
			ambiguous[r.TopStudentID] = true
		}
	}

	if liveModels == 0 {
		return &Result{Status: StatusFailed, ConfidenceLevel: ConfidenceLow, ModelResults: modelResults}
	}

	winner := ""
	winnerVotes := 0
	for studentID, v := range votes {
		if v > winnerVotes {
			winner = studentID
			winnerVotes = v
		}
	}

	hasAmbiguous := ambiguous[winner]
	score := bestScore[winner]

	switch {
	case winnerVotes == liveModels && !hasAmbiguous:
		return &Result{StudentID: winner, ConfidenceScore: score, ConfidenceLevel: ConfidenceHigh, Status: StatusVerified, ConsensusCount: winnerVotes, ModelResults: modelResults}
	case winnerVotes >= e.cfg.MinConsensus && !hasAmbiguous:
		return &Result{StudentID: winner, ConfidenceScore: score, ConfidenceLevel: ConfidenceMedium, Status: StatusVerified, ConsensusCount: winnerVotes, ModelResults: modelResults}
	case winnerVotes >= e.cfg.MinConsensus && hasAmbiguous:
		return &Result{StudentID: winner, ConfidenceScore: score, ConfidenceLevel: ConfidenceMedium, Status: StatusFlagged, ConsensusCount: winnerVotes, ModelResults: modelResults}
	default:
		return &Result{StudentID: winner, ConfidenceScore: score, ConfidenceLevel: ConfidenceLow, Status: StatusFlagged, ConsensusCount: winnerVotes, ModelResults: modelResults}
	}
}
