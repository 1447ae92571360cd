// plcsim publishes simulated PLC readings over MQTT using the same topic
// layout the worker subscribes to: /<equipment>/plc/<address>. It exists so
// the full pipeline can be demoed without field hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/factoryedge/eventgen/internal/config"
	"github.com/factoryedge/eventgen/internal/ingest"
	"github.com/factoryedge/eventgen/internal/model"
	"github.com/factoryedge/eventgen/internal/rules"
)

func main() {
	settingsPath := flag.String("settings", "settings.yaml", "service settings file")
	interval := flag.Duration("interval", time.Second, "publish interval")
	flag.Parse()

	logger := log.New(log.Writer(), "[PLCSIM] ", log.LstdFlags)

	godotenv.Load()

	settings, err := config.Load(*settingsPath)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}
	eqConfig, err := config.LoadEquipmentConfig(settings.EquipmentConfigPath)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}
	equipments, err := model.BuildAll(eqConfig, rules.NewCache())
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(settings.MQTT.BrokerURL).
		SetClientID(fmt.Sprintf("plcsim-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatalf("❌ mqtt connect: %v", token.Error())
	}
	defer client.Disconnect(250)

	sim := ingest.NewSimReader(time.Now().UnixNano())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Printf("Publishing simulated readings for %d equipments every %s", len(equipments), *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Println("Simulator stopped")
			return
		case <-ticker.C:
			for _, eq := range equipments {
				for _, tag := range eq.Tags {
					value := sim.NextValue(eq.Name, tag)
					topic := fmt.Sprintf("/%s/plc/%s", eq.Name, tag.Address)
					payload := fmt.Sprint(value)
					if f, ok := value.(float64); ok {
						payload = fmt.Sprintf("%.3f", f)
					}
					client.Publish(topic, 1, false, payload)
				}
			}
		}
	}
}
