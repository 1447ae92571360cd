package ingest

import (
	"log"
	"math/rand"
	"sync"

	"github.com/factoryedge/eventgen/internal/metrics"
	"github.com/factoryedge/eventgen/internal/model"
)

// SimReader is an in-process CommunicationAdapter that synthesizes readings
// with a clamped random walk per tag. It backs demos and tests where no real
// PLC or bus is available.
type SimReader struct {
	mu     sync.Mutex
	state  map[string]map[string]float64 // equipment -> tag -> last value
	rng    *rand.Rand
	logger *log.Logger
}

// NewSimReader seeds the walk; pass a fixed seed for reproducible demos.
func NewSimReader(seed int64) *SimReader {
	return &SimReader{
		state:  make(map[string]map[string]float64),
		rng:    rand.New(rand.NewSource(seed)),
		logger: log.New(log.Writer(), "[PLCSIM] ", log.LstdFlags),
	}
}

// Connect is a no-op; the simulator has no bus to reach.
func (s *SimReader) Connect(equipments []*model.Equipment) error {
	s.logger.Printf("Connected to simulated PLC source (%d equipments)", len(equipments))
	return nil
}

// Read produces one synthetic reading per tag.
func (s *SimReader) Read(eq *model.Equipment) map[string]interface{} {
	readings := make(map[string]interface{}, len(eq.Tags))
	for _, tag := range eq.Tags {
		value := s.NextValue(eq.Name, tag)
		readings[tag.Name] = value

		if num, ok := asFloat(value); ok {
			metrics.SensorReading.WithLabelValues(eq.Name, tag.Name).Set(num)
			metrics.RawReadings.Inc()
		}
	}
	return readings
}

// NextValue advances the walk for one tag and returns a value of the tag's
// declared type. Floats drift within [0, 10], ints step by ±1 within [0, 5],
// bools flip with 10% probability.
func (s *SimReader) NextValue(eqName string, tag model.Tag) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, ok := s.state[eqName]
	if !ok {
		tags = make(map[string]float64)
		s.state[eqName] = tags
	}
	last, ok := tags[tag.Name]
	if !ok {
		last = 2.5
	}

	var next float64
	switch tag.Type {
	case model.TagFloat:
		next = clamp(last+s.rng.Float64()-0.5, 0, 10)
		tags[tag.Name] = next
		return next
	case model.TagInt:
		next = clamp(last+float64(s.rng.Intn(3)-1), 0, 5)
		tags[tag.Name] = next
		return int64(next)
	case model.TagBool:
		if s.rng.Float64() < 0.1 {
			last = 1 - last
		}
		tags[tag.Name] = last
		return last != 0
	default:
		return "ok"
	}
}

// Close is a no-op.
func (s *SimReader) Close() {}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
