package publish

import (
	"context"
	"log"
	"sync"
)

// MockPublisher records sent events in memory. Tests can script failures for
// the next N SendEvent calls to exercise the relay's backoff path.
type MockPublisher struct {
	mu       sync.Mutex
	sent     []Event
	failures int
	failErr  error
	closed   bool
	logger   *log.Logger
}

// NewMockPublisher connects to nothing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		logger: log.New(log.Writer(), "[MOCK-PUB] ", log.LstdFlags),
	}
}

// FailNext makes the next n SendEvent calls return err.
func (m *MockPublisher) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// SendEvent records the batch, or fails it if a scripted failure is pending.
func (m *MockPublisher) SendEvent(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return m.failErr
	}

	m.sent = append(m.sent, events...)
	for _, ev := range events {
		m.logger.Printf("✅ %s delivered (id=%d)", ev.EventName, ev.ID)
	}
	return nil
}

// Sent returns a copy of everything delivered so far.
func (m *MockPublisher) Sent() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.sent))
	copy(out, m.sent)
	return out
}

// Close is idempotent.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.logger.Printf("Closing mock broker connection")
	}
	return nil
}
