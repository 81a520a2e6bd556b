// Package boarding implements C6: validated boarding-event ingestion, crop
// upload to the object store with failure-compensation rollback, and the
// crop-attach write that the task dispatcher's enqueue guard watches for.
// Grounded on original_source/app/events/models.py and
// original_source/app/events/services/storage_service.py.
package boarding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/database"
	"github.com/busfleet/kiosk-sync/internal/objectstore"
)

var validate = validator.New()

// CreateRequest is the payload a kiosk submits when it believes it
// recognized a boarding student.
type CreateRequest struct {
	KioskID         string   `json:"kiosk_id" validate:"required"`
	StudentID       *string  `json:"student_id"`
	ConfidenceScore float64  `json:"confidence_score" validate:"gte=0,lte=1"`
	Latitude        *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude       *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	BusRoute        string   `json:"bus_route"`
	ModelVersion    string   `json:"model_version"`
	Metadata        json.RawMessage `json:"metadata"`
	// ConfirmationFaces holds up to database.MaxConfirmationFaces base64
	// JPEG crops, attached in the same request.
	ConfirmationFaces []string `json:"confirmation_faces" validate:"max=3"`
}

// Store is the persistence surface the service needs.
type Store interface {
	CreateBoardingEvent(ctx context.Context, e *database.BoardingEvent) error
	UpdateCropPaths(ctx context.Context, eventID string, paths []string) (status string, err error)
	DeleteBoardingEvent(ctx context.Context, eventID string) error
}

// EnqueueFunc is called once crops are durably attached and the event is
// not already in a terminal state, letting the service trigger C7 without
// importing internal/dispatch directly (avoiding an import cycle, and
// matching the teacher's pattern of passing a narrow function type to
// decouple packages).
type EnqueueFunc func(ctx context.Context, eventID string) error

// Service ingests boarding events.
type Service struct {
	store   Store
	objects objectstore.Store
	enqueue EnqueueFunc
}

func NewService(store Store, objects objectstore.Store, enqueue EnqueueFunc) *Service {
	return &Service{store: store, objects: objects, enqueue: enqueue}
}

// Create validates and persists a boarding event, uploads any attached
// confirmation-face crops, and triggers re-verification once crops are
// durably attached. If crop upload partially fails, it rolls back by
// deleting whatever crops did upload and the event row itself, so no event
// is left referencing crops that don't exist.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", apierr.Wrap(apierr.Validation, "boarding: invalid request", err)
	}
	if len(req.ConfirmationFaces) > database.MaxConfirmationFaces {
		return "", apierr.New(apierr.Validation, "too many confirmation face crops")
	}

	eventID, err := NewEventID()
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "boarding: generate event id", err)
	}

	event := &database.BoardingEvent{
		EventID:                   eventID,
		StudentID:                 normalizeStudentID(req.StudentID),
		KioskID:                   req.KioskID,
		ConfidenceScore:           req.ConfidenceScore,
		Timestamp:                 time.Now(),
		Latitude:                  req.Latitude,
		Longitude:                 req.Longitude,
		BusRoute:                  req.BusRoute,
		ModelVersion:              req.ModelVersion,
		Metadata:                  withDefaultEventType(req.Metadata),
		BackendVerificationStatus: database.VerificationStatusPending,
	}
	if err := s.store.CreateBoardingEvent(ctx, event); err != nil {
		return "", err
	}

	if len(req.ConfirmationFaces) == 0 {
		return eventID, nil
	}

	if err := s.attachCrops(ctx, eventID, req.ConfirmationFaces); err != nil {
		return "", err
	}
	return eventID, nil
}

// attachCrops uploads each base64 crop, then performs the single
// field-masked write of crop paths, then evaluates the enqueue guard. On
// any upload failure it deletes whatever crops already succeeded and the
// event row, so a partial failure never leaves an orphaned event.
func (s *Service) attachCrops(ctx context.Context, eventID string, crops []string) error {
	uploaded := make([]string, 0, len(crops))

	for i, encoded := range crops {
		faceNumber := i + 1
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.rollback(ctx, eventID, uploaded)
			return apierr.Wrap(apierr.Validation, "boarding: invalid base64 crop", err)
		}
		path := objectstore.ConfirmationFacePath(eventID, faceNumber)
		if err := s.objects.Upload(ctx, path, data, "image/jpeg"); err != nil {
			s.rollback(ctx, eventID, uploaded)
			return err
		}
		uploaded = append(uploaded, path)
	}

	status, err := s.store.UpdateCropPaths(ctx, eventID, uploaded)
	if err != nil {
		s.rollback(ctx, eventID, uploaded)
		return err
	}

	if database.TerminalVerificationStatuses[status] {
		return nil
	}
	if s.enqueue != nil {
		if err := s.enqueue(ctx, eventID); err != nil {
			// Enqueue failures never fail the event write, matching
			// original_source's signals.py try/except wrapper.
			return nil
		}
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, eventID string, uploadedPaths []string) {
	for _, path := range uploadedPaths {
		_ = s.objects.Delete(ctx, path)
	}
	_ = s.store.DeleteBoardingEvent(ctx, eventID)
}

// unknownStudentSentinel is the literal a kiosk sends when it detected a
// boarding but could not recognize the rider, per §4.6 step 2.
const unknownStudentSentinel = "UNKNOWN"

// normalizeStudentID maps the "UNKNOWN" sentinel to a null student_id; any
// other value, including nil, passes through unchanged.
func normalizeStudentID(studentID *string) *string {
	if studentID != nil && *studentID == unknownStudentSentinel {
		return nil
	}
	return studentID
}

// withDefaultEventType defaults metadata.event_type to "boarding" when
// absent, per §4.6 step 3. Malformed metadata is left untouched; validation
// of metadata shape is not this step's concern.
func withDefaultEventType(metadata json.RawMessage) json.RawMessage {
	fields := map[string]interface{}{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &fields); err != nil {
			return metadata
		}
	}
	if _, ok := fields["event_type"]; !ok {
		fields["event_type"] = "boarding"
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return metadata
	}
	return out
}

// BulkCreateRequest is the §4.6 "Bulk variant" payload: each element is
// processed independently unless Atomic requests all-or-nothing semantics.
type BulkCreateRequest struct {
	Events []CreateRequest `json:"events"`
	Atomic bool            `json:"atomic"`
}

// BulkElementResult reports one element's outcome within a bulk request.
type BulkElementResult struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BulkResult is the aggregate outcome of CreateBulk.
type BulkResult struct {
	Created int                 `json:"created"`
	Events  []string            `json:"events"`
	Results []BulkElementResult `json:"results"`
}

// CreateBulk processes each element of req independently, matching §4.6's
// bulk variant. If req.Atomic is set, any single element's failure rolls
// back every event already created in the batch and the whole call fails;
// otherwise partial success is reported per-element.
func (s *Service) CreateBulk(ctx context.Context, req BulkCreateRequest) (*BulkResult, error) {
	result := &BulkResult{Results: make([]BulkElementResult, 0, len(req.Events))}
	created := make([]string, 0, len(req.Events))

	for i, element := range req.Events {
		eventID, err := s.Create(ctx, element)
		if err != nil {
			result.Results = append(result.Results, BulkElementResult{Index: i, Error: err.Error()})
			if req.Atomic {
				for _, id := range created {
					s.rollback(ctx, id, nil)
				}
				return nil, apierr.Wrap(apierr.Validation, "boarding: atomic bulk create failed", err)
			}
			continue
		}
		created = append(created, eventID)
		result.Created++
		result.Events = append(result.Events, eventID)
		result.Results = append(result.Results, BulkElementResult{Index: i, EventID: eventID})
	}

	return result, nil
}
