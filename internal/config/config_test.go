package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", s.MQTT.BrokerURL)
	assert.Equal(t, "amqp", s.Publisher.Kind)
	assert.Equal(t, 3.0, s.Scheduler.TickSeconds)
	assert.Equal(t, 50, s.Relay.BatchSize)
	assert.Equal(t, 86400, s.Relay.TTLSeconds)
	assert.Equal(t, "outbox.db", s.Outbox.Path)
	assert.Equal(t, 8001, s.Metrics.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mqtt:
  broker_url: tcp://edge-broker:1883
publisher:
  kind: mock
scheduler:
  tick_seconds: 1.5
relay:
  batch_size: 10
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://edge-broker:1883", s.MQTT.BrokerURL)
	assert.Equal(t, "mock", s.Publisher.Kind)
	assert.Equal(t, 1.5, s.Scheduler.TickSeconds)
	assert.Equal(t, 10, s.Relay.BatchSize)
	assert.Equal(t, 5, s.Relay.MaxRetries, "untouched fields keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  path: file.db\n"), 0o644))

	t.Setenv("OUTBOX_DB_PATH", "/data/outbox.db")
	t.Setenv("METRICS_PORT", "9105")
	t.Setenv("TICK_SECONDS", "0.5")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/outbox.db", s.Outbox.Path)
	assert.Equal(t, 9105, s.Metrics.Port)
	assert.Equal(t, 0.5, s.Scheduler.TickSeconds)
}

func TestLoadRejectsMalformedSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEquipmentConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"forno": {
			"ip": "10.0.0.5",
			"code": "MT-01",
			"metadata": {"planta": "sul"},
			"tags": [{"name": "Pressao", "plc_address": "100", "type": "float"}],
			"event_rules": [{"name": "R1", "expression": "Pressao < 2.0", "routing_key": "", "output": ""}]
		}
	}`), 0o644))

	cfg, err := LoadEquipmentConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg, "forno")

	forno := cfg["forno"]
	assert.Equal(t, "MT-01", forno.Code)
	require.Len(t, forno.Tags, 1)
	assert.Equal(t, "100", forno.Tags[0].PLCAddress)
	require.Len(t, forno.EventRules, 1)
	assert.Equal(t, "Pressao < 2.0", forno.EventRules[0].Expression)
}

func TestLoadEquipmentConfigRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"forno": `), 0o644))

	_, err := LoadEquipmentConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.json")
}

func TestLoadEquipmentConfigRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	_, err := LoadEquipmentConfig(path)
	assert.Error(t, err)
}
