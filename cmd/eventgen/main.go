package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/factoryedge/eventgen/internal/config"
	"github.com/factoryedge/eventgen/internal/ingest"
	"github.com/factoryedge/eventgen/internal/metrics"
	"github.com/factoryedge/eventgen/internal/model"
	"github.com/factoryedge/eventgen/internal/outbox"
	"github.com/factoryedge/eventgen/internal/publish"
	"github.com/factoryedge/eventgen/internal/rules"
	"github.com/factoryedge/eventgen/internal/scheduler"
)

func main() {
	settingsPath := flag.String("settings", "settings.yaml", "service settings file")
	useSim := flag.Bool("sim", false, "read from the simulated PLC source instead of the bus")
	flag.Parse()

	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)
	logger.Println("Starting edge event generator...")

	godotenv.Load()

	settings, err := config.Load(*settingsPath)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}

	eqConfig, err := config.LoadEquipmentConfig(settings.EquipmentConfigPath)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}

	cache := rules.NewCache()
	equipments, err := model.BuildAll(eqConfig, cache)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}
	logger.Printf("Loaded %d equipments, %d distinct rule expressions", len(equipments), cache.Len())

	store, err := outbox.Open(settings.Outbox.Path)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}
	defer store.Close()

	publisher, err := buildPublisher(settings)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}

	metricsSrv := metrics.Serve(settings.Metrics.Port)

	var adapter ingest.CommunicationAdapter
	if *useSim {
		adapter = ingest.NewSimReader(time.Now().UnixNano())
	} else {
		adapter = ingest.NewMQTTAdapter(settings.MQTT.BrokerURL)
	}
	if err := adapter.Connect(equipments); err != nil {
		logger.Fatalf("❌ %v", err)
	}

	relayCfg := outbox.RelayConfig{
		SleepInterval: time.Duration(settings.Relay.SleepSeconds) * time.Second,
		BatchSize:     settings.Relay.BatchSize,
		TTL:           time.Duration(settings.Relay.TTLSeconds) * time.Second,
		MaxRetries:    settings.Relay.MaxRetries,
		BaseDelay:     time.Duration(settings.Relay.BaseDelaySeconds) * time.Second,
	}
	relay := outbox.NewRelay(store, publisher, relayCfg)

	tick := time.Duration(settings.Scheduler.TickSeconds * float64(time.Second))
	generator := scheduler.New(adapter, equipments, store, tick)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		generator.Run(ctx)
	}()

	<-ctx.Done()
	logger.Println("Signal received, shutting down...")

	// Let in-flight tick and drain passes finish before tearing down the
	// publisher and the store underneath them.
	workersDone := make(chan struct{})
	go func() {
		workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-time.After(10 * time.Second):
		logger.Println("⚠️  Workers still busy after 10s, closing anyway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adapter.Close()
	if err := publisher.Close(); err != nil {
		logger.Printf("⚠️  Publisher close: %v", err)
	}
	metricsSrv.Shutdown(shutdownCtx)

	logger.Println("Shutdown complete")
}

// buildPublisher selects the EventPublisher variant from settings.
func buildPublisher(s *config.Settings) (publish.EventPublisher, error) {
	switch s.Publisher.Kind {
	case "amqp":
		return publish.NewAMQPPublisher(s.Publisher.AMQPURL, s.Publisher.Exchange), nil
	case "pubsub":
		return publish.NewPubSubPublisher(s.Publisher.PubSubProject, s.Publisher.PubSubTopic)
	case "redis":
		return publish.NewRedisPublisher(s.Publisher.RedisAddr, s.Publisher.RedisStream), nil
	case "mock":
		return publish.NewMockPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", s.Publisher.Kind)
	}
}
