// Package aggregator implements C11: it runs the consensus engine once per
// confirmation-face crop and combines the per-crop verdicts by majority
// vote, falling back to the single highest-confidence crop when no
// majority emerges. Grounded line-for-line on
// original_source/app/face_verification/services/multi_crop_service.py
// (MultiCropService).
package aggregator

import (
	"context"

	"github.com/busfleet/kiosk-sync/internal/consensus"
	"github.com/busfleet/kiosk-sync/internal/embedding"
	"github.com/busfleet/kiosk-sync/internal/faceengine"
)

const (
	ReasonNoCropImages            = "no_crop_images"
	ReasonAllCropsFailed          = "all_crops_failed"
	ReasonMajorityVotePrefix      = "majority_vote_"
	ReasonHighestConfidenceSingle = "highest_confidence_single_crop"
)

// CropResult is one crop's consensus outcome, index-tagged for reporting.
type CropResult struct {
	CropIndex int
	Result    *consensus.Result
	Failed    bool
}

// VotingDetails mirrors multi_crop_service's voting_details dict shape for
// inclusion in model_consensus_data.
type VotingDetails struct {
	TotalCrops      int            `json:"total_crops"`
	VoteDistribution map[string]int `json:"vote_distribution"`
	CropResults     []CropSummary  `json:"crop_results"`
	Reason          string         `json:"reason"`
}

type CropSummary struct {
	CropIndex       int     `json:"crop_index"`
	StudentID       string  `json:"student_id,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`
	ConfidenceLevel string  `json:"confidence_level"`
	Failed          bool    `json:"failed"`
}

// AggregateResult is the final multi-crop verdict.
type AggregateResult struct {
	StudentID       string
	ConfidenceScore float64
	ConfidenceLevel string
	Status          string
	VotingDetails   VotingDetails
	// ModelResults carries the per-model top-5 scoring detail (§4.10) from
	// the crop that decided the verdict, matching multi_crop_service's
	// practice of threading the winning (or best single) crop's
	// model_results into the persisted audit trail.
	ModelResults []consensus.ModelResult
}

// Aggregator runs consensus per crop and combines the results.
type Aggregator struct {
	engine *consensus.Engine
}

func NewAggregator(engine *consensus.Engine) *Aggregator {
	return &Aggregator{engine: engine}
}

// VerifyWithMultipleCrops is the top-level entry, matching
// verify_with_multiple_crops.
func (a *Aggregator) VerifyWithMultipleCrops(ctx context.Context, crops []faceengine.ImageRGB, gallery map[string][]embedding.Vector) (*AggregateResult, error) {
	if len(crops) == 0 {
		return &AggregateResult{
			Status:          consensus.StatusFailed,
			ConfidenceLevel: consensus.ConfidenceLow,
			VotingDetails:   VotingDetails{Reason: ReasonNoCropImages},
		}, nil
	}

	cropResults, err := a.verifyAllCrops(ctx, crops, gallery)
	if err != nil {
		return nil, err
	}

	live := make([]CropResult, 0, len(cropResults))
	for _, cr := range cropResults {
		if !cr.Failed {
			live = append(live, cr)
		}
	}
	if len(live) == 0 {
		return &AggregateResult{
			Status:          consensus.StatusFailed,
			ConfidenceLevel: consensus.ConfidenceLow,
			VotingDetails: VotingDetails{
				TotalCrops:  len(crops),
				CropResults: summaries(cropResults),
				Reason:      ReasonAllCropsFailed,
			},
		}, nil
	}

	return a.applyVotingStrategy(crops, cropResults, live), nil
}

func (a *Aggregator) verifyAllCrops(ctx context.Context, crops []faceengine.ImageRGB, gallery map[string][]embedding.Vector) ([]CropResult, error) {
	results := make([]CropResult, 0, len(crops))
	for i, crop := range crops {
		result, err := a.engine.Verify(ctx, crop, gallery)
		if err != nil {
			// a single crop's failure never aborts the whole batch; the
			// original continues the loop on a per-crop exception.
			results = append(results, CropResult{CropIndex: i, Failed: true})
			continue
		}
		if result.Status == consensus.StatusFailed {
			results = append(results, CropResult{CropIndex: i, Failed: true})
			continue
		}
		results = append(results, CropResult{CropIndex: i, Result: result})
	}
	return results, nil
}

// applyVotingStrategy replicates _apply_voting_strategy: count votes per
// student among live crops; if any student has >= 2 votes, that student
// wins with confidence promoted to at least medium (high unless the best
// agreeing crop was itself low); otherwise fall back to the single
// highest-confidence crop.
func (a *Aggregator) applyVotingStrategy(crops []faceengine.ImageRGB, all []CropResult, live []CropResult) *AggregateResult {
	votes := make(map[string]int)
	bestPerStudent := make(map[string]*consensus.Result)
	for _, cr := range live {
		if cr.Result.StudentID == "" {
			continue
		}
		votes[cr.Result.StudentID]++
		if existing, ok := bestPerStudent[cr.Result.StudentID]; !ok || cr.Result.ConfidenceScore > existing.ConfidenceScore {
			bestPerStudent[cr.Result.StudentID] = cr.Result
		}
	}

	winner := ""
	winnerVotes := 0
	for studentID, v := range votes {
		if v > winnerVotes {
			winner = studentID
			winnerVotes = v
		}
	}

	details := VotingDetails{
		TotalCrops:       len(crops),
		VoteDistribution: votes,
		CropResults:      summaries(all),
	}

	if winner != "" && winnerVotes >= 2 {
		best := bestPerStudent[winner]
		level := consensus.ConfidenceMedium
		if best.ConfidenceLevel != consensus.ConfidenceLow {
			level = consensus.ConfidenceHigh
		}
		details.Reason = majorityReason(winnerVotes)
		return &AggregateResult{
			StudentID:       winner,
			ConfidenceScore: best.ConfidenceScore,
			ConfidenceLevel: level,
			Status:          consensus.StatusVerified,
			VotingDetails:   details,
			ModelResults:    best.ModelResults,
		}
	}

	// No majority: fall back to the single highest-confidence live crop.
	best := live[0]
	for _, cr := range live[1:] {
		if cr.Result.ConfidenceScore > best.Result.ConfidenceScore {
			best = cr
		}
	}
	details.Reason = ReasonHighestConfidenceSingle
	return &AggregateResult{
		StudentID:       best.Result.StudentID,
		ConfidenceScore: best.Result.ConfidenceScore,
		ConfidenceLevel: best.Result.ConfidenceLevel,
		Status:          best.Result.Status,
		VotingDetails:   details,
		ModelResults:    best.Result.ModelResults,
	}
}

func majorityReason(votes int) string {
	switch votes {
	case 2:
		return ReasonMajorityVotePrefix + "2_crops"
	case 3:
		return ReasonMajorityVotePrefix + "3_crops"
	default:
		return ReasonMajorityVotePrefix + "crops"
	}
}

func summaries(crops []CropResult) []CropSummary {
	out := make([]CropSummary, 0, len(crops))
	for _, cr := range crops {
		if cr.Failed || cr.Result == nil {
			out = append(out, CropSummary{CropIndex: cr.CropIndex, Failed: true})
			continue
		}
		out = append(out, CropSummary{
			CropIndex:       cr.CropIndex,
			StudentID:       cr.Result.StudentID,
			ConfidenceScore: cr.Result.ConfidenceScore,
			ConfidenceLevel: cr.Result.ConfidenceLevel,
		})
	}
	return out
}
