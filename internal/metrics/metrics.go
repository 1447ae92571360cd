// Package metrics owns the process-global Prometheus instruments and the
// scrape endpoint. Counters are lazy-initialized via promauto and updated
// explicitly at the ingestion and evaluation call sites.
package metrics

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SensorReading tracks the latest numeric value seen per sensor.
	SensorReading = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plc_sensor_reading",
			Help: "Current value of a PLC sensor",
		},
		[]string{"equipment", "sensor"},
	)

	// RawReadings counts every tag reading with a numeric cast.
	RawReadings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raw_data_events_total",
			Help: "Total number of PLC value readings",
		},
	)

	// CastFailures counts payloads that failed the declared-type cast.
	CastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reading_cast_failures_total",
			Help: "Total number of readings dropped due to cast failures",
		},
	)

	// EventsTriggered counts every emitted event across all rules.
	EventsTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_triggered_total",
			Help: "Total number of events rule triggered",
		},
	)

	// RuleTriggered counts emissions per rule name.
	RuleTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_rule_triggered_total",
			Help: "Event emissions per rule",
		},
		[]string{"rule"},
	)

	// OutboxPending gauges rows awaiting delivery.
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Outbox rows in pending or failed state",
		},
	)

	// OutboxPublished counts rows successfully relayed to the broker.
	OutboxPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox rows marked published",
		},
	)

	// OutboxFailed counts failed delivery attempts (per row, per attempt).
	OutboxFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Outbox rows marked failed",
		},
	)

	// OutboxExpired counts rows abandoned because they outlived the TTL.
	OutboxExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_expired_total",
			Help: "Outbox rows expired past their TTL",
		},
	)
)

// Serve starts the scrape endpoint on the given port and returns the server
// so the caller can shut it down. /metrics exposes the default registry,
// /healthz answers liveness probes.
func Serve(port int) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger := log.New(log.Writer(), "[METRICS] ", log.LstdFlags)
		logger.Printf("Serving /metrics on :%d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("❌ Metrics server failed: %v", err)
		}
	}()

	return srv
}
