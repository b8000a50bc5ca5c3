// Package natsbridge mirrors machine events onto NATS subjects so shop-floor
// dashboards and automation can observe a streaming session without holding
// the serial connection.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
	"github.com/thawkins/gcodekit5-sub006/event"
	"github.com/thawkins/gcodekit5-sub006/pkg/retry"
)

// Publisher is the slice of the NATS connection the bridge uses. Tests
// inject a recorder here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge is an event listener that republishes every machine event as JSON
// on <prefix>.<machine>.<kind> subjects.
type Bridge struct {
	machine string
	prefix  string
	logger  *slog.Logger
	pub     Publisher
	conn    *nats.Conn
}

// Deps holds runtime dependencies for NewBridge. Leave Publisher nil to
// have Connect dial NATS; tests set it directly.
type Deps struct {
	Machine   string
	Config    config.NATSConfig
	Logger    *slog.Logger
	Publisher Publisher
}

// NewBridge creates a bridge. It publishes nothing until Connect succeeds
// or a Publisher was injected.
func NewBridge(deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := deps.Config.SubjectPrefix
	if prefix == "" {
		prefix = "cnc"
	}

	return &Bridge{
		machine: deps.Machine,
		prefix:  prefix,
		logger:  logger.With("component", "natsbridge", "machine", deps.Machine),
		pub:     deps.Publisher,
	}
}

// Connect dials the configured NATS server with backoff. An empty URL
// disables the bridge: Connect returns nil and events are simply not
// mirrored.
func (b *Bridge) Connect(ctx context.Context, cfg config.NATSConfig) error {
	if b.pub != nil {
		return nil
	}
	if cfg.URL == "" {
		b.logger.Info("no NATS URL configured, event mirroring disabled")
		return nil
	}

	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		conn, err := nats.Connect(cfg.URL,
			nats.Name("gcodekit-"+b.machine),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return err
		}
		b.conn = conn
		b.pub = conn
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "natsbridge", "Connect", "dial NATS")
	}

	b.logger.Info("connected to NATS", "url", cfg.URL)
	return nil
}

// Close drains the NATS connection if the bridge owns one.
func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn = nil
	}
	b.pub = nil
}

type stateMessage struct {
	Machine string    `json:"machine"`
	State   string    `json:"state"`
	Time    time.Time `json:"time"`
}

type statusMessage struct {
	Machine string       `json:"machine"`
	Status  event.Status `json:"status"`
	Time    time.Time    `json:"time"`
}

type alarmMessage struct {
	Machine     string    `json:"machine"`
	Code        int       `json:"code"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

type errorMessage struct {
	Machine string    `json:"machine"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type completeMessage struct {
	Machine string    `json:"machine"`
	Command string    `json:"command"`
	Time    time.Time `json:"time"`
}

// OnStateChanged implements event.Listener.
func (b *Bridge) OnStateChanged(state event.ConnectionState) {
	b.publish("state", stateMessage{Machine: b.machine, State: state.String(), Time: time.Now().UTC()})
}

// OnStatusChanged implements event.Listener.
func (b *Bridge) OnStatusChanged(status event.Status) {
	b.publish("status", statusMessage{Machine: b.machine, Status: status, Time: time.Now().UTC()})
}

// OnAlarm implements event.Listener.
func (b *Bridge) OnAlarm(code int, description string) {
	b.publish("alarm", alarmMessage{Machine: b.machine, Code: code, Description: description, Time: time.Now().UTC()})
}

// OnError implements event.Listener.
func (b *Bridge) OnError(message string) {
	b.publish("error", errorMessage{Machine: b.machine, Message: message, Time: time.Now().UTC()})
}

// OnCommandComplete implements event.Listener.
func (b *Bridge) OnCommandComplete(command string) {
	b.publish("complete", completeMessage{Machine: b.machine, Command: command, Time: time.Now().UTC()})
}

func (b *Bridge) publish(kind string, msg any) {
	if b.pub == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("marshal event failed", "kind", kind, "error", err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", b.prefix, b.machine, kind)
	if err := b.pub.Publish(subject, data); err != nil {
		b.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}
