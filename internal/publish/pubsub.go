package publish

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubPublisher delivers events to a Google Cloud Pub/Sub topic. Routing
// keys and event names travel as message attributes so downstream
// subscriptions can filter server-side.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

// NewPubSubPublisher connects to the project and resolves the topic,
// creating it when absent.
func NewPubSubPublisher(projectID, topicID string) (*PubSubPublisher, error) {
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

	p := &PubSubPublisher{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	p.logger.Printf("✅ Connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return p, nil
}

// SendEvent publishes the batch and waits for every server ack so a broker
// outage surfaces as an error the relay can retry.
func (p *PubSubPublisher) SendEvent(ctx context.Context, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("pubsub publisher is closed")
	}

	results := make([]*pubsub.PublishResult, 0, len(events))
	for _, ev := range events {
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data: ev.Body,
			Attributes: map[string]string{
				"event_name":  ev.EventName,
				"routing_key": ev.RoutingKey,
			},
		}))
	}

	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return fmt.Errorf("publish event %d (%s): %w", events[i].ID, events[i].EventName, err)
		}
	}
	return nil
}

// Close flushes pending publishes and releases the client. It blocks until
// any in-flight SendEvent has returned. Safe to call more than once.
func (p *PubSubPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
