// Package verify implements C12: the verification orchestrator invoked
// once per boarding event by the task dispatcher. Grounded on
// original_source/app/face_verification/tasks.py (verify_boarding_event).
package verify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/busfleet/kiosk-sync/internal/aggregator"
	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/consensus"
	"github.com/busfleet/kiosk-sync/internal/database"
	"github.com/busfleet/kiosk-sync/internal/embedding"
	"github.com/busfleet/kiosk-sync/internal/faceengine"
	"github.com/busfleet/kiosk-sync/internal/objectstore"
)

const verificationDeadline = 60 * time.Second

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetBoardingEvent(ctx context.Context, eventID string) (*database.BoardingEvent, error)
	SaveVerificationResult(ctx context.Context, eventID, status string, confidence *float64, studentID *string, consensusData []byte, at time.Time) error
}

// EventPublisher fans the verdict out, e.g. to Pub/Sub, for downstream
// observability. Nil is a valid no-op publisher.
type EventPublisher interface {
	PublishVerdict(ctx context.Context, eventID string, isMismatch bool, payload []byte)
}

// Orchestrator ties C1 (object store), C8 (embedding registry) and C11
// (multi-crop aggregator) together for a single boarding event.
type Orchestrator struct {
	store      Store
	objects    objectstore.Store
	registry   *embedding.Registry
	aggregator *aggregator.Aggregator
	publisher  EventPublisher
}

func NewOrchestrator(store Store, objects objectstore.Store, registry *embedding.Registry, agg *aggregator.Aggregator, publisher EventPublisher) *Orchestrator {
	return &Orchestrator{store: store, objects: objects, registry: registry, aggregator: agg, publisher: publisher}
}

// Run performs the full re-verification pipeline for eventID within an
// independent 60s wall-clock budget, matching §5's deadline rule.
func (o *Orchestrator) Run(parent context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(parent, verificationDeadline)
	defer cancel()

	event, err := o.store.GetBoardingEvent(ctx, eventID)
	if err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.NotFound {
			slog.Warn("verify: event not found", "event_id", eventID)
			return nil
		}
		return err
	}

	crops, err := o.loadCrops(ctx, event)
	if err != nil {
		return o.markFailed(ctx, eventID, "no_confirmation_faces")
	}
	if len(crops) == 0 {
		return o.markFailed(ctx, eventID, "no_confirmation_faces")
	}

	gallery, err := o.registry.LoadAll(ctx)
	if err != nil {
		return err
	}
	if len(gallery) == 0 {
		return o.markFailed(ctx, eventID, "no_embeddings")
	}

	result, err := o.aggregator.VerifyWithMultipleCrops(ctx, crops, gallery)
	if err != nil {
		if ctx.Err() != nil {
			return o.markFailed(ctx, eventID, "deadline_exceeded")
		}
		return err
	}

	return o.saveResult(ctx, event, result)
}

func (o *Orchestrator) loadCrops(ctx context.Context, event *database.BoardingEvent) ([]faceengine.ImageRGB, error) {
	paths := []*string{event.ConfirmationFace1Path, event.ConfirmationFace2Path, event.ConfirmationFace3Path}
	var crops []faceengine.ImageRGB
	for _, p := range paths {
		if p == nil || *p == "" {
			continue
		}
		data, err := o.objects.Download(ctx, *p)
		if err != nil {
			continue
		}
		crops = append(crops, faceengine.ImageRGB{Pixels: data})
	}
	return crops, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, eventID, reason string) error {
	payload, _ := json.Marshal(map[string]string{"failure_reason": reason})
	return o.store.SaveVerificationResult(ctx, eventID, database.VerificationStatusFailed, nil, nil, payload, time.Now())
}

// saveResult persists the single field-masked update, matching
// _save_verification_result, then logs a mismatch warning the way
// _log_verification_result does.
func (o *Orchestrator) saveResult(ctx context.Context, event *database.BoardingEvent, result *aggregator.AggregateResult) error {
	var studentID *string
	if result.StudentID != "" {
		studentID = &result.StudentID
	}
	confidence := result.ConfidenceScore

	consensusData, err := json.Marshal(map[string]interface{}{
		"model_results":    result.ModelResults,
		"voting_details":   result.VotingDetails,
		"confidence_score": result.ConfidenceScore,
		"confidence_level": result.ConfidenceLevel,
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, "verify: marshal consensus data", err)
	}

	status := result.Status
	if status == "" {
		status = consensus.StatusFailed
	}

	if err := o.store.SaveVerificationResult(ctx, event.EventID, status, &confidence, studentID, consensusData, time.Now()); err != nil {
		return err
	}

	isMismatch := isMismatch(event.StudentID, result.StudentID)
	if isMismatch {
		slog.Warn("verify: kiosk/backend student mismatch", "event_id", event.EventID, "kiosk_student_id", strPtrValue(event.StudentID), "backend_student_id", result.StudentID)
	}
	if o.publisher != nil {
		o.publisher.PublishVerdict(ctx, event.EventID, isMismatch, consensusData)
	}
	return nil
}

// isMismatch matches tasks.py's is_mismatch computation: a missing backend
// student id always counts as a mismatch.
func isMismatch(kioskStudentID *string, backendStudentID string) bool {
	if backendStudentID == "" {
		return true
	}
	if kioskStudentID == nil {
		return true
	}
	return *kioskStudentID != backendStudentID
}

func strPtrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
