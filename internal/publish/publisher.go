// Package publish abstracts the outbound broker. The relay hands batches of
// outbox rows to an EventPublisher; production uses AMQP, with Cloud Pub/Sub
// and Redis Streams variants and an in-memory mock for tests.
package publish

import "context"

// Event is the unit of delivery: an outbox row ready to leave the node.
// Body is the JSON-encoded event payload persisted at emission time.
type Event struct {
	ID         int64
	EventName  string
	RoutingKey string
	Body       []byte
}

// EventPublisher is the capability set over the outbound broker. SendEvent
// delivers a whole batch or fails it as a unit; errors propagate to the
// relay, which handles retry. Close is idempotent.
type EventPublisher interface {
	SendEvent(ctx context.Context, events []Event) error
	Close() error
}
