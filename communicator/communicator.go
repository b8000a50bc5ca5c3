// Package communicator owns the live connection to one motion controller:
// it dials the transport, runs the decode loop over the controller's output,
// and routes decoded events to the event bus and the streaming engine.
package communicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
	"github.com/thawkins/gcodekit5-sub006/event"
	"github.com/thawkins/gcodekit5-sub006/firmware"
	"github.com/thawkins/gcodekit5-sub006/metric"
	"github.com/thawkins/gcodekit5-sub006/transport"
)

// AckSink consumes protocol-level command outcomes. The streaming engine
// implements it; a communicator with no sink attached drops acks, which is
// correct while no stream is running.
type AckSink interface {
	// HandleAck credits one acknowledged command.
	HandleAck()

	// HandleCommandError fails the oldest unacknowledged command.
	HandleCommandError(code int, message string)

	// HandleDisconnect fails every unacknowledged command and reports how
	// many there were.
	HandleDisconnect() int
}

// Dialer opens a transport. Injectable so tests can hand the communicator a
// loopback without going through real media.
type Dialer func(params config.ConnectionParams) (transport.Driver, error)

// Communicator is the connection manager for one controller. All methods
// are safe for concurrent use.
type Communicator struct {
	machine string
	bus     *event.Bus
	logger  *slog.Logger
	metrics *metric.Metrics
	dial    Dialer

	mu      sync.Mutex
	state   event.ConnectionState
	driver  transport.Driver
	dialect firmware.Dialect
	sink    AckSink
	tap     chan string
	closing bool
	done    chan struct{}
}

// Deps holds runtime dependencies for NewCommunicator. Bus is required;
// Logger, Metrics, and Dial may be nil (Dial defaults to transport.Open).
type Deps struct {
	Machine string
	Bus     *event.Bus
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Dial    Dialer
}

// NewCommunicator creates a disconnected communicator.
func NewCommunicator(deps Deps) *Communicator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := deps.Dial
	if dial == nil {
		dial = transport.Open
	}

	return &Communicator{
		machine: deps.Machine,
		bus:     deps.Bus,
		logger:  logger.With("component", "communicator", "machine", deps.Machine),
		metrics: deps.Metrics,
		dial:    dial,
		state:   event.StateDisconnected,
		dialect: firmware.DialectFor(firmware.Unknown),
	}
}

// State returns the current connection state.
func (c *Communicator) State() event.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health reports nil while the connection is up.
func (c *Communicator) Health() error {
	if c.State() != event.StateConnected {
		return errors.ErrNotConnected
	}
	return nil
}

// Connect dials the transport and starts the decode loop. The communicator
// starts with the conservative unknown dialect; run detection and call
// SetDialect to upgrade it.
func (c *Communicator) Connect(ctx context.Context, params config.ConnectionParams) error {
	c.mu.Lock()
	if c.state != event.StateDisconnected {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyConnected, "communicator", "Connect", "state check")
	}
	c.state = event.StateConnecting
	c.closing = false
	c.mu.Unlock()
	c.publishState(event.StateConnecting)

	driver, err := c.dial(params)
	if err != nil {
		c.mu.Lock()
		c.state = event.StateDisconnected
		c.mu.Unlock()
		c.publishState(event.StateDisconnected)
		return errors.WrapTransient(err, "communicator", "Connect", "open transport")
	}
	if err := ctx.Err(); err != nil {
		driver.Close()
		c.mu.Lock()
		c.state = event.StateDisconnected
		c.mu.Unlock()
		c.publishState(event.StateDisconnected)
		return errors.WrapTransient(err, "communicator", "Connect", "open transport")
	}

	c.mu.Lock()
	c.driver = driver
	c.state = event.StateConnected
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.publishState(event.StateConnected)

	if c.metrics != nil {
		c.metrics.RecordConnect(c.machine, params.Transport)
		c.metrics.RecordConnectionState(c.machine, int(event.StateConnected))
	}
	c.logger.Info("connected", "transport", params.Transport, "target", driver.Name())

	go c.readLoop(driver, c.done)
	return nil
}

// Disconnect closes the connection and waits for the decode loop to exit.
// Disconnecting while already disconnected is a no-op.
func (c *Communicator) Disconnect() error {
	c.mu.Lock()
	if c.state == event.StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	driver := c.driver
	done := c.done
	c.mu.Unlock()

	if driver != nil {
		driver.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Register subscribes a listener to this connection's events.
func (c *Communicator) Register(l event.Listener) event.Handle {
	return c.bus.Register(l)
}

// Unregister removes a listener registration. Unknown handles are a no-op.
func (c *Communicator) Unregister(h event.Handle) {
	c.bus.Unregister(h)
}

// SetDialect swaps the active protocol decoder. Called once after firmware
// detection; subsequent lines decode under the new dialect.
func (c *Communicator) SetDialect(d firmware.Dialect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialect = d
	c.logger.Info("dialect selected", "controller", d.Controller().String())
}

// Attach wires the streaming engine's ack path. Pass nil to detach.
func (c *Communicator) Attach(sink AckSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Send writes one command line to the controller, appending the newline
// terminator if the caller omitted it.
func (c *Communicator) Send(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	c.mu.Lock()
	driver := c.driver
	connected := c.state == event.StateConnected
	c.mu.Unlock()
	if !connected {
		return errors.WrapInvalid(errors.ErrNotConnected, "communicator", "Send", "state check")
	}

	if _, err := io.WriteString(driver, line); err != nil {
		return errors.WrapTransient(err, "communicator", "Send", "write line")
	}
	if c.metrics != nil {
		c.metrics.RecordLineSent(c.machine, len(line))
	}
	return nil
}

// SendRealtime writes one realtime control byte. Realtime bytes bypass the
// controller's line buffer and never consume streaming budget, so they go
// straight to the wire with no terminator.
func (c *Communicator) SendRealtime(b byte) error {
	c.mu.Lock()
	driver := c.driver
	connected := c.state == event.StateConnected
	c.mu.Unlock()
	if !connected {
		return errors.WrapInvalid(errors.ErrNotConnected, "communicator", "SendRealtime", "state check")
	}

	if _, err := driver.Write([]byte{b}); err != nil {
		return errors.WrapTransient(err, "communicator", "SendRealtime", "write byte")
	}
	return nil
}

// Probe sends one probe command and collects every raw line received within
// the window. It implements the detector's prober. An empty command collects
// without sending, which captures reset banners.
func (c *Communicator) Probe(ctx context.Context, command string, window time.Duration) ([]string, error) {
	tap := make(chan string, 64)
	c.mu.Lock()
	if c.state != event.StateConnected {
		c.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "communicator", "Probe", "state check")
	}
	c.tap = tap
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.tap = nil
		c.mu.Unlock()
	}()

	if command != "" {
		if err := c.Send(command); err != nil {
			return nil, err
		}
	}

	var lines []string
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case line := <-tap:
			lines = append(lines, line)
		case <-timer.C:
			return lines, nil
		case <-ctx.Done():
			return lines, ctx.Err()
		}
	}
}

// readLoop accumulates bytes from the driver and decodes complete lines.
// It owns the transition out of StateConnected: whether the peer vanished
// or Disconnect closed the driver, the loop observes the read failure and
// runs the teardown exactly once.
func (c *Communicator) readLoop(driver transport.Driver, done chan struct{}) {
	defer close(done)

	var (
		buf     [512]byte
		pending []byte
	)
	for {
		n, err := driver.Read(buf[:])
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := indexNewline(pending)
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:idx]), "\r")
				pending = pending[idx+1:]
				if line != "" {
					c.handleLine(line)
				}
			}
		}
		if err != nil {
			c.teardown(err)
			return
		}
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// handleLine decodes one line and routes the event.
func (c *Communicator) handleLine(line string) {
	c.mu.Lock()
	dialect := c.dialect
	sink := c.sink
	tap := c.tap
	c.mu.Unlock()

	if tap != nil {
		select {
		case tap <- line:
		default:
		}
	}

	ev, err := dialect.ParseLine(line)
	if err != nil {
		c.logger.Warn("unparseable controller output", "line", line, "error", err)
		if c.metrics != nil {
			c.metrics.RecordError(c.machine, "protocol")
		}
		c.bus.PublishError(fmt.Sprintf("protocol violation: %v", err))
		return
	}

	switch ev.Kind {
	case event.TypeAck:
		if c.metrics != nil {
			c.metrics.RecordAck(c.machine)
		}
		if sink != nil {
			sink.HandleAck()
		}

	case event.TypeError:
		c.logger.Warn("command rejected", "code", ev.Code, "description", ev.Message)
		if c.metrics != nil {
			c.metrics.RecordError(c.machine, "command")
		}
		if sink != nil {
			sink.HandleCommandError(ev.Code, ev.Message)
		} else {
			c.bus.PublishError(fmt.Sprintf("error %d: %s", ev.Code, ev.Message))
		}

	case event.TypeAlarm:
		c.logger.Error("machine alarm", "code", ev.Code, "description", ev.Message)
		if c.metrics != nil {
			c.metrics.RecordAlarm(c.machine, fmt.Sprintf("%d", ev.Code))
		}
		c.bus.PublishAlarm(ev.Code, ev.Message)

	case event.TypeStatus:
		c.bus.PublishStatus(*ev.Status)

	case event.TypeMessage:
		c.logger.Debug("controller message", "message", ev.Message)

	default:
		c.logger.Debug("unrecognized controller output", "line", line)
	}
}

// teardown runs once per connection, after the decode loop stops reading.
// Outstanding commands are failed through the sink, and their presence, or
// an unexpected cause, surfaces as a single error event.
func (c *Communicator) teardown(cause error) {
	c.mu.Lock()
	deliberate := c.closing
	sink := c.sink
	driver := c.driver
	c.driver = nil
	c.done = nil
	c.state = event.StateDisconnected
	c.mu.Unlock()

	if driver != nil {
		driver.Close()
	}

	outstanding := 0
	if sink != nil {
		outstanding = sink.HandleDisconnect()
	}

	reason := "requested"
	if !deliberate {
		reason = "lost"
	}
	if c.metrics != nil {
		c.metrics.RecordDisconnect(c.machine, reason)
		c.metrics.RecordConnectionState(c.machine, int(event.StateDisconnected))
	}
	c.logger.Info("disconnected", "reason", reason, "outstanding", outstanding)

	switch {
	case !deliberate:
		c.bus.PublishError(fmt.Sprintf("connection lost: %v", cause))
	case outstanding > 0:
		c.bus.PublishError(fmt.Sprintf("disconnected with %d unacknowledged commands", outstanding))
	}
	c.publishState(event.StateDisconnected)
}

func (c *Communicator) publishState(state event.ConnectionState) {
	if c.bus != nil {
		c.bus.PublishState(state)
	}
}
