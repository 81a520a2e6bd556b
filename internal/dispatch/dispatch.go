// Package dispatch implements C7: the durable re-verification task queue.
// It is grounded directly on the teacher's
// internal/webhooks/cloud_dispatcher.go (Cloud Tasks-backed dispatch with
// an in-memory fallback) and on
// original_source/app/face_verification/cloud_tasks_client.py, whose
// create_verification_task falls back to synchronous local execution when
// Cloud Tasks is unavailable.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// Dispatcher enqueues a re-verification job for a boarding event.
type Dispatcher interface {
	Enqueue(ctx context.Context, eventID string) error
	HealthCheck(ctx context.Context) error
}

// Verifier is the synchronous orchestrator entry point, run inline when
// Cloud Tasks is unreachable.
type Verifier interface {
	Run(ctx context.Context, eventID string) error
}

// InlineDispatcher runs verification in the caller's goroutine, matching
// original_source's create_verification_task_local dev fallback.
type InlineDispatcher struct {
	verifier Verifier
	logger   *log.Logger
}

func NewInlineDispatcher(verifier Verifier) *InlineDispatcher {
	return &InlineDispatcher{verifier: verifier, logger: log.New(os.Stdout, "[dispatch-inline] ", log.LstdFlags)}
}

func (d *InlineDispatcher) Enqueue(ctx context.Context, eventID string) error {
	d.logger.Printf("running verification inline for event %s", eventID)
	return d.verifier.Run(ctx, eventID)
}

func (d *InlineDispatcher) HealthCheck(ctx context.Context) error { return nil }

// CloudDispatcher enqueues an HTTP task on Google Cloud Tasks targeting the
// verification webhook, falling back to InlineDispatcher if Cloud Tasks
// enqueue fails — the same enabled/fallback shape the teacher applies in
// cmd/api/main.go.
type CloudDispatcher struct {
	client     *cloudtasks.Client
	queuePath  string
	backendURL string
	fallback   Dispatcher
	logger     *log.Logger
}

func NewCloudDispatcher(client *cloudtasks.Client, projectID, locationID, queueID, backendURL string, fallback Dispatcher) *CloudDispatcher {
	return &CloudDispatcher{
		client:     client,
		queuePath:  fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		backendURL: backendURL,
		fallback:   fallback,
		logger:     log.New(os.Stdout, "[dispatch-cloudtasks] ", log.LstdFlags),
	}
}

// Enqueue creates an HTTP task carrying the event ID as its payload. The
// create call is synchronous against the Cloud Tasks API, so Enqueue blocks
// the caller for the duration of that call; it starts no goroutine of its
// own.
func (d *CloudDispatcher) Enqueue(ctx context.Context, eventID string) error {
	req := &taskspb.CreateTaskRequest{
		Parent: d.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        d.backendURL + "/api/v1/face-verification/verify",
					Body:       []byte(fmt.Sprintf(`{"event_id":%q}`, eventID)),
					Headers:    map[string]string{"Content-Type": "application/json"},
				},
			},
		},
	}

	_, err := d.client.CreateTask(ctx, req)
	if err != nil {
		d.logger.Printf("cloud tasks enqueue failed for event %s, falling back inline: %v", eventID, err)
		if d.fallback != nil {
			return d.fallback.Enqueue(ctx, eventID)
		}
		return err
	}
	return nil
}

func (d *CloudDispatcher) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *CloudDispatcher) Shutdown() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

// IdempotenceGuard reports whether eventID is safe to enqueue: skip if its
// current status is already terminal, per §4.7's idempotence guard.
func IdempotenceGuard(currentStatus string, terminal map[string]bool) bool {
	return !terminal[currentStatus]
}
