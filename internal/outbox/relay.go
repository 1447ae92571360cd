package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/factoryedge/eventgen/internal/metrics"
	"github.com/factoryedge/eventgen/internal/publish"
)

// RelayConfig tunes the drain loop. Zero values fall back to the defaults.
type RelayConfig struct {
	SleepInterval time.Duration // between drain passes
	BatchSize     int           // rows fetched per pass
	TTL           time.Duration // max age before an event is abandoned
	MaxRetries    int           // attempts before permanently_failed
	BaseDelay     time.Duration // first backoff step
	SendTimeout   time.Duration // bound on one publisher call
}

// DefaultRelayConfig mirrors the production tuning: 5s cadence, batches of
// 50, 24h TTL, 5 attempts starting at a 2s backoff.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SleepInterval: 5 * time.Second,
		BatchSize:     50,
		TTL:           24 * time.Hour,
		MaxRetries:    5,
		BaseDelay:     2 * time.Second,
		SendTimeout:   10 * time.Second,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	d := DefaultRelayConfig()
	if c.SleepInterval <= 0 {
		c.SleepInterval = d.SleepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// Relay is the background worker that drains ready outbox rows into the
// publisher. Failure granularity is per batch: if the publisher errors, every
// row in the batch is marked failed and retried independently.
type Relay struct {
	store  *Store
	sender publish.EventPublisher
	cfg    RelayConfig
	logger *log.Logger
}

// NewRelay wires a relay to its store and publisher.
func NewRelay(store *Store, sender publish.EventPublisher, cfg RelayConfig) *Relay {
	return &Relay{
		store:  store,
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: log.New(log.Writer(), "[RELAY] ", log.LstdFlags),
	}
}

// Run loops until the context is cancelled, draining one batch per pass.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Printf("Starting outbox relay (batch=%d, every %s)", r.cfg.BatchSize, r.cfg.SleepInterval)
	for {
		if err := r.drainOnce(ctx, time.Now()); err != nil {
			r.logger.Printf("❌ Drain pass failed: %v", err)
		}

		if pending, err := r.store.CountPending(); err == nil {
			metrics.OutboxPending.Set(float64(pending))
		}

		select {
		case <-ctx.Done():
			r.logger.Printf("Outbox relay stopped")
			return
		case <-time.After(r.cfg.SleepInterval):
		}
	}
}

// drainOnce fetches one batch, expires stale rows, and sends the rest as a
// single publisher call.
func (r *Relay) drainOnce(ctx context.Context, now time.Time) error {
	records, err := r.store.FetchReady(r.cfg.BatchSize, now.Unix())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var fresh []Record
	for _, rec := range records {
		age := now.Unix() - rec.CreatedAt
		if age > int64(r.cfg.TTL.Seconds()) {
			msg := fmt.Sprintf("Event expired after %d seconds (TTL is %ds).", age, int64(r.cfg.TTL.Seconds()))
			r.logger.Printf("🗑️  Event %d: %s", rec.ID, msg)
			metrics.OutboxExpired.Inc()
			if err := r.store.MarkFailed(rec.ID, msg, rec.Attempts, r.cfg.MaxRetries, r.cfg.BaseDelay); err != nil {
				r.logger.Printf("❌ Could not mark expired event %d: %v", rec.ID, err)
			}
			continue
		}
		fresh = append(fresh, rec)
	}

	if len(fresh) == 0 {
		return nil
	}

	events := make([]publish.Event, 0, len(fresh))
	for _, rec := range fresh {
		events = append(events, publish.Event{
			ID:         rec.ID,
			EventName:  rec.EventName,
			RoutingKey: routingKeyOf(rec.Payload),
			Body:       rec.Payload,
		})
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	if err := r.sender.SendEvent(sendCtx, events); err != nil {
		r.logger.Printf("❌ Batch of %d events failed to publish: %v", len(events), err)
		for _, rec := range fresh {
			metrics.OutboxFailed.Inc()
			if mErr := r.store.MarkFailed(rec.ID, err.Error(), rec.Attempts, r.cfg.MaxRetries, r.cfg.BaseDelay); mErr != nil {
				r.logger.Printf("❌ Could not mark failed event %d: %v", rec.ID, mErr)
			}
		}
		return nil
	}

	for _, rec := range fresh {
		if err := r.store.MarkPublished(rec.ID); err != nil {
			r.logger.Printf("❌ Could not mark published event %d: %v", rec.ID, err)
			continue
		}
		metrics.OutboxPublished.Inc()
	}
	r.logger.Printf("✅ Batch of %d events published", len(fresh))
	return nil
}

// routingKeyOf pulls the routing key out of the persisted payload. The outbox
// schema has no routing_key column, so the payload is the source of truth.
func routingKeyOf(payload []byte) string {
	var v struct {
		RoutingKey string `json:"routing_key"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	return v.RoutingKey
}
