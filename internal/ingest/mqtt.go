package ingest

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/factoryedge/eventgen/internal/metrics"
	"github.com/factoryedge/eventgen/internal/model"
)

const (
	defaultQueueCap     = 10000
	maxReconnectBackoff = 30 * time.Second
	subscribeQoS        = 1
)

// tagBinding resolves a PLC address to the tag it feeds.
type tagBinding struct {
	Name string
	Type model.TagType
}

// MQTTAdapter subscribes to /<equipment>/# per equipment and demultiplexes
// incoming messages into bounded per-equipment queues. The bus callback only
// parses the topic and enqueues; casting happens on the Read path inside the
// evaluation tick.
type MQTTAdapter struct {
	brokerURL string
	clientID  string
	logger    *log.Logger

	mu        sync.RWMutex
	client    mqtt.Client
	queues    map[string]*messageQueue
	addresses map[string]tagBinding
	topics    []string
	queueCap  int
}

// NewMQTTAdapter creates an adapter for the given broker URL
// (e.g. "tcp://localhost:1883").
func NewMQTTAdapter(brokerURL string) *MQTTAdapter {
	return &MQTTAdapter{
		brokerURL: brokerURL,
		clientID:  fmt.Sprintf("eventgen-%d", time.Now().UnixNano()),
		logger:    log.New(log.Writer(), "[MQTT] ", log.LstdFlags),
		queueCap:  defaultQueueCap,
	}
}

// Connect builds the global address map and the per-equipment queues, then
// dials the broker. Initial connect and reconnects both retry forever with
// backoff capped at 30s; subscriptions are re-established on every connect.
func (a *MQTTAdapter) Connect(equipments []*model.Equipment) error {
	a.prepare(equipments)

	opts := mqtt.NewClientOptions().
		AddBroker(a.brokerURL).
		SetClientID(a.clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectBackoff).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOrderMatters(false).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			a.dispatch(msg.Topic(), msg.Payload())
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			a.logger.Printf("⚠️  Bus connection lost: %v (reconnecting)", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			a.logger.Printf("Connected to %s, subscribing %d topic trees", a.brokerURL, len(a.topics))
			for _, topic := range a.topics {
				t := topic
				if token := c.Subscribe(t, subscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
					a.dispatch(msg.Topic(), msg.Payload())
				}); token.Wait() && token.Error() != nil {
					a.logger.Printf("❌ Subscribe %s failed: %v", t, token.Error())
				}
			}
		})

	client := mqtt.NewClient(opts)

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", a.brokerURL, token.Error())
	}
	return nil
}

// prepare computes the address map and queues once, before any message can
// arrive. Split from Connect so tests can feed dispatch directly.
func (a *MQTTAdapter) prepare(equipments []*model.Equipment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queues = make(map[string]*messageQueue, len(equipments))
	a.addresses = make(map[string]tagBinding)
	a.topics = a.topics[:0]

	for _, eq := range equipments {
		a.queues[eq.Name] = newMessageQueue(a.queueCap)
		a.topics = append(a.topics, "/"+eq.Name+"/#")
		for _, tag := range eq.Tags {
			a.addresses[tag.Address] = tagBinding{Name: tag.Name, Type: tag.Type}
		}
	}
}

// dispatch routes one raw bus message onto its equipment queue. Runs on the
// paho client goroutine; must not block beyond the enqueue.
func (a *MQTTAdapter) dispatch(topic string, payload []byte) {
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		a.logger.Printf("⚠️  Dropping message with malformed topic %q", topic)
		return
	}

	a.mu.RLock()
	q, ok := a.queues[segments[0]]
	a.mu.RUnlock()
	if !ok {
		a.logger.Printf("⚠️  Dropping message for unknown equipment %q (topic %s)", segments[0], topic)
		return
	}

	q.Push(busMessage{Topic: topic, Payload: payload})
}

// Read drains the equipment's queue into a name→value map, casting each
// payload per the tag's declared type. Later messages for the same address
// overwrite earlier ones within a drain. Numeric readings update the sensor
// gauge and the raw-readings counter.
func (a *MQTTAdapter) Read(eq *model.Equipment) map[string]interface{} {
	a.mu.RLock()
	q := a.queues[eq.Name]
	a.mu.RUnlock()
	if q == nil {
		return nil
	}

	readings := make(map[string]interface{})
	for _, msg := range q.Drain() {
		segments := strings.Split(msg.Topic, "/")
		address := segments[len(segments)-1]

		a.mu.RLock()
		binding, ok := a.addresses[address]
		a.mu.RUnlock()
		if !ok {
			continue
		}

		value, err := Cast(string(msg.Payload), binding.Type)
		if err != nil {
			a.logger.Printf("Skipping reading for %s/%s: %v", eq.Name, binding.Name, err)
			metrics.CastFailures.Inc()
			continue
		}
		readings[binding.Name] = value

		if num, ok := asFloat(value); ok {
			metrics.SensorReading.WithLabelValues(eq.Name, binding.Name).Set(num)
			metrics.RawReadings.Inc()
		}
	}
	return readings
}

// Close disconnects the bus client; queued messages are discarded.
func (a *MQTTAdapter) Close() {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
