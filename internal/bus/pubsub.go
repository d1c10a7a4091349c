package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus extends the local bus with durable Google Cloud Pub/Sub
// delivery. Events are ordered per session via the ordering key, so a
// consumer never sees `ended` before `started` for the same session.
type PubSubBus struct {
	*LocalBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

var _ Emitter = (*PubSubBus)(nil)

// NewPubSubBus connects to the topic, creating it when absent.
func NewPubSubBus(projectID, topicID string, logger *slog.Logger) (*PubSubBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	b := &PubSubBus{
		LocalBus: NewLocalBus(),
		client:   client,
		topic:    topic,
		logger:   logger.With("component", "bus"),
	}
	b.logger.Info("connected to pub/sub topic", "topic", topic.String())
	return b, nil
}

// Emit publishes to Pub/Sub and then fans out in-process.
func (b *PubSubBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, subject, data)
	b.publish(event)
	b.LocalBus.Publish(event)
}

func (b *PubSubBus) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		b.logger.Error("event marshal failed", "event_id", event.ID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}

	result := b.topic.Publish(context.Background(), msg)
	// Resolve off the session path; a publish failure is logged, never
	// surfaced to the lifecycle that emitted it.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			b.logger.Error("pub/sub publish failed",
				"event_id", event.ID, "type", event.Type, "error", err)
		}
	}()
}

// HealthCheck verifies the topic is reachable.
func (b *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := b.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close stops the publisher and releases the client.
func (b *PubSubBus) Close() error {
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
