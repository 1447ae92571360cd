// Package agent implements the remote-configuration client: a long-lived
// WebSocket to the config service. Each inbound message carries a full
// equipment configuration; the agent writes it atomically, restarts the
// worker, and acks. The worker itself treats configuration as immutable
// within one process lifetime, so reconfiguration is always a restart.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
)

const (
	statusOK     = 1
	statusFailed = 2

	maxDialBackoff = 30 * time.Second
)

// Message is one configuration push from the server.
type Message struct {
	IDPlant  interface{}     `json:"idplant"`
	IDDeploy interface{}     `json:"iddeploy"`
	Config   json.RawMessage `json:"config"`
}

// Ack is the reply sent after applying (or failing to apply) a push.
type Ack struct {
	Status   int         `json:"status"`
	IDPlant  interface{} `json:"idplant"`
	IDDeploy interface{} `json:"iddeploy,omitempty"`
}

// Restarter restarts the worker process after a config swap.
type Restarter func(ctx context.Context) error

// ExecRestarter runs a shell command, typically a service-manager restart.
func ExecRestarter(command string, args ...string) Restarter {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
}

// Agent maintains the WebSocket session, reconnecting with backoff.
type Agent struct {
	url        string
	configPath string
	restart    Restarter
	logger     *slog.Logger
	dialer     *websocket.Dialer
}

// New creates an agent writing config pushes to configPath.
func New(url, configPath string, restart Restarter) *Agent {
	return &Agent{
		url:        url,
		configPath: configPath,
		restart:    restart,
		logger:     slog.Default().With("component", "configagent"),
		dialer:     websocket.DefaultDialer,
	}
}

// Run connects and serves pushes until the context is cancelled, redialing
// with capped exponential backoff on any connection failure.
func (a *Agent) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
		if err != nil {
			a.logger.Error("connect failed, retrying", "url", a.url, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxDialBackoff {
				backoff = maxDialBackoff
			}
			continue
		}

		backoff = time.Second
		a.logger.Info("connected to config server", "url", a.url)
		a.serve(ctx, conn)
		conn.Close()
	}
}

// serve reads pushes until the connection breaks or the context ends.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("read failed, reconnecting", "error", err)
			}
			return
		}
		a.handleMessage(ctx, conn, raw)
	}
}

// handleMessage applies one push and acks. A closed socket on the failure
// reply is detected and the reply dropped; the server will resend on
// reconnect.
func (a *Agent) handleMessage(ctx context.Context, conn *websocket.Conn, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.logger.Error("malformed config message", "error", err)
		a.reply(conn, Ack{Status: statusFailed})
		return
	}

	a.logger.Info("configuration received", "idplant", msg.IDPlant, "iddeploy", msg.IDDeploy)

	if err := a.apply(ctx, msg); err != nil {
		a.logger.Error("could not apply configuration", "idplant", msg.IDPlant, "error", err)
		a.reply(conn, Ack{Status: statusFailed, IDPlant: msg.IDPlant})
		return
	}

	a.logger.Info("configuration applied, worker restarted", "idplant", msg.IDPlant)
	a.reply(conn, Ack{Status: statusOK, IDPlant: msg.IDPlant, IDDeploy: msg.IDDeploy})
}

func (a *Agent) apply(ctx context.Context, msg Message) error {
	if len(msg.Config) == 0 {
		return fmt.Errorf("push carries no config")
	}
	if err := WriteConfigAtomic(a.configPath, msg.Config); err != nil {
		return err
	}
	if a.restart != nil {
		if err := a.restart(ctx); err != nil {
			return fmt.Errorf("restart worker: %w", err)
		}
	}
	return nil
}

func (a *Agent) reply(conn *websocket.Conn, ack Ack) {
	if err := conn.WriteJSON(ack); err != nil {
		a.logger.Warn("ack dropped, socket closed", "status", ack.Status, "error", err)
	}
}

// WriteConfigAtomic writes data to a temp file in the target directory and
// renames it into place, so the worker never observes a half-written file.
func WriteConfigAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("swap config into place: %w", err)
	}
	return nil
}
