package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// configServer pushes one message to the first client and records its ack.
func configServer(t *testing.T, push interface{}) (url string, acks <-chan Ack) {
	t.Helper()
	ackCh := make(chan Ack, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		raw, err := json.Marshal(push)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}

		var ack Ack
		if err := conn.ReadJSON(&ack); err == nil {
			ackCh <- ack
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), ackCh
}

func TestAgentAppliesConfigAndAcks(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	newConfig := map[string]interface{}{
		"forno": map[string]interface{}{"code": "MT-01"},
	}
	url, acks := configServer(t, map[string]interface{}{
		"idplant":  float64(7),
		"iddeploy": float64(42),
		"config":   newConfig,
	})

	var restarts atomic.Int32
	a := New(url, configPath, func(context.Context) error {
		restarts.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case ack := <-acks:
		assert.Equal(t, 1, ack.Status)
		assert.Equal(t, float64(7), ack.IDPlant)
		assert.Equal(t, float64(42), ack.IDDeploy)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}

	assert.Equal(t, int32(1), restarts.Load())

	written, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(written, &got))
	assert.Equal(t, newConfig, got)
}

func TestAgentAcksFailureWhenRestartFails(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	url, acks := configServer(t, map[string]interface{}{
		"idplant": float64(7),
		"config":  map[string]interface{}{"forno": map[string]interface{}{}},
	})

	a := New(url, configPath, func(context.Context) error {
		return assert.AnError
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case ack := <-acks:
		assert.Equal(t, 2, ack.Status)
		assert.Equal(t, float64(7), ack.IDPlant)
		assert.Nil(t, ack.IDDeploy)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}
}

func TestAgentAcksFailureOnEmptyConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	url, acks := configServer(t, map[string]interface{}{"idplant": float64(3)})

	a := New(url, configPath, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case ack := <-acks:
		assert.Equal(t, 2, ack.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}

	_, err := os.Stat(configPath)
	assert.True(t, os.IsNotExist(err), "no file written for an empty push")
}

func TestWriteConfigAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	require.NoError(t, WriteConfigAtomic(path, []byte(`{"a":1}`)))
	require.NoError(t, WriteConfigAtomic(path, []byte(`{"a":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
