// Package scheduler drives rule evaluation on a fixed tick: drain the
// adapter, merge readings into each equipment's symbol table, evaluate every
// rule, and persist events for rising edges.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/factoryedge/eventgen/internal/ingest"
	"github.com/factoryedge/eventgen/internal/metrics"
	"github.com/factoryedge/eventgen/internal/model"
	"github.com/factoryedge/eventgen/internal/rules"
)

// EventSink receives emitted events; the production sink is the outbox store.
type EventSink interface {
	Store(eventName string, payload []byte, createdAt int64) (int64, error)
}

// EventPayload is what gets persisted in the outbox and, eventually,
// transmitted to the broker.
type EventPayload struct {
	EventName  string                 `json:"event_name"`
	Code       string                 `json:"code"`
	RoutingKey string                 `json:"routing_key"`
	Timestamp  int64                  `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Generator evaluates every equipment's rules once per tick with
// edge-triggered emission: an event fires only when a rule flips from false
// to true between consecutive ticks.
type Generator struct {
	adapter    ingest.CommunicationAdapter
	equipments []*model.Equipment
	sink       EventSink
	tick       time.Duration
	logger     *log.Logger
	now        func() time.Time
}

// New creates a generator; tick defaults to 3s when non-positive.
func New(adapter ingest.CommunicationAdapter, equipments []*model.Equipment, sink EventSink, tick time.Duration) *Generator {
	if tick <= 0 {
		tick = 3 * time.Second
	}
	return &Generator{
		adapter:    adapter,
		equipments: equipments,
		sink:       sink,
		tick:       tick,
		logger:     log.New(log.Writer(), "[EVENTGEN] ", log.LstdFlags),
		now:        time.Now,
	}
}

// Run evaluates on a fixed-period ticker until the context is cancelled.
// Fixed-period rather than fixed-delay: a slow tick does not push the
// schedule back.
func (g *Generator) Run(ctx context.Context) {
	g.logger.Printf("Evaluation loop started (tick %s, %d equipments)", g.tick, len(g.equipments))
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Printf("Evaluation loop stopped")
			return
		case <-ticker.C:
			g.evaluateTick()
		}
	}
}

// evaluateTick runs one full evaluation pass. No error in a single equipment
// or rule stops evaluation of the others.
func (g *Generator) evaluateTick() {
	now := g.now()

	for _, eq := range g.equipments {
		if readings := g.adapter.Read(eq); len(readings) > 0 {
			eq.UpdateValues(readings)
		}

		symtable := eq.Snapshot()
		if len(symtable) == 0 {
			// No reading has ever arrived; an undefined initial state must
			// not produce edges.
			continue
		}

		for _, rule := range eq.Rules {
			triggered, err := rules.Evaluate(rule.Program, symtable)
			if err != nil {
				g.logger.Printf("⚠️  Rule %s/%s evaluated with error (treated as false): %v", eq.Name, rule.Name, err)
			}

			if triggered && !rule.State {
				g.emit(eq, rule, now)
			}
			rule.State = triggered
		}
	}
}

// emit builds the payload and hands it to the sink. A sink failure is fatal
// to this event only.
func (g *Generator) emit(eq *model.Equipment, rule *model.Rule, now time.Time) {
	payload := EventPayload{
		EventName:  rule.Name,
		Code:       eq.Code,
		RoutingKey: rule.RoutingKey,
		Timestamp:  now.Unix(),
		Metadata:   eq.Metadata,
	}
	if rule.Output != "" {
		if v, ok := eq.Value(rule.Output); ok {
			payload.Data = map[string]interface{}{rule.Output: v}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		g.logger.Printf("❌ Could not marshal event %s/%s: %v", eq.Name, rule.Name, err)
		return
	}

	id, err := g.sink.Store(rule.Name, body, now.Unix())
	if err != nil {
		g.logger.Printf("❌ Could not store event %s/%s: %v", eq.Name, rule.Name, err)
		return
	}

	metrics.EventsTriggered.Inc()
	metrics.RuleTriggered.WithLabelValues(rule.Name).Inc()
	g.logger.Printf("Event %s triggered on %s (outbox id %d)", rule.Name, eq.Name, id)
}
