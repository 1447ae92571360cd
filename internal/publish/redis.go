package publish

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends events to a Redis Stream. The routing key selects
// the stream (prefix + key); events without one land on the default stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	logger *log.Logger

	once sync.Once
}

// NewRedisPublisher creates a publisher writing to the given default stream.
func NewRedisPublisher(addr, stream string) *RedisPublisher {
	if stream == "" {
		stream = "events"
	}
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		stream: stream,
		logger: log.New(log.Writer(), "[REDIS-PUB] ", log.LstdFlags),
	}
}

// SendEvent XADDs each event; the first error fails the batch.
func (p *RedisPublisher) SendEvent(ctx context.Context, events []Event) error {
	for _, ev := range events {
		stream := p.stream
		if ev.RoutingKey != "" {
			stream = p.stream + ":" + ev.RoutingKey
		}
		err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{
				"event_name": ev.EventName,
				"payload":    ev.Body,
			},
		}).Err()
		if err != nil {
			return fmt.Errorf("xadd event %d (%s): %w", ev.ID, ev.EventName, err)
		}
	}
	return nil
}

// Close releases the client. Safe to call more than once.
func (p *RedisPublisher) Close() error {
	var err error
	p.once.Do(func() {
		err = p.client.Close()
	})
	return err
}
