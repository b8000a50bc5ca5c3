package communicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
	"github.com/thawkins/gcodekit5-sub006/event"
	"github.com/thawkins/gcodekit5-sub006/firmware"
	"github.com/thawkins/gcodekit5-sub006/transport"
)

// recordingListener captures every event it receives.
type recordingListener struct {
	event.BaseListener

	mu       sync.Mutex
	states   []event.ConnectionState
	statuses []event.Status
	alarms   []int
	errors   []string
}

func (r *recordingListener) OnStateChanged(s event.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingListener) OnStatusChanged(s event.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingListener) OnAlarm(code int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, code)
}

func (r *recordingListener) OnError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *recordingListener) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

// countingSink tallies sink callbacks.
type countingSink struct {
	mu          sync.Mutex
	acks        int
	cmdErrors   []int
	disconnects int
	outstanding int
}

func (s *countingSink) HandleAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks++
}

func (s *countingSink) HandleCommandError(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdErrors = append(s.cmdErrors, code)
}

func (s *countingSink) HandleDisconnect() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return s.outstanding
}

func (s *countingSink) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func loopbackParams() config.ConnectionParams {
	return config.ConnectionParams{Transport: config.TransportLoopback}
}

// newConnected builds a communicator wired to a fresh loopback and connects it.
func newConnected(t *testing.T, opts ...transport.LoopbackOption) (*Communicator, *transport.Loopback, *recordingListener, *event.Bus) {
	t.Helper()

	loop := transport.NewLoopback(opts...)
	bus := event.NewBus(event.BusDeps{Machine: "test"})
	listener := &recordingListener{}
	bus.Register(listener)

	comm := NewCommunicator(Deps{
		Machine: "test",
		Bus:     bus,
		Dial:    func(config.ConnectionParams) (transport.Driver, error) { return loop, nil },
	})
	require.NoError(t, comm.Connect(context.Background(), loopbackParams()))

	t.Cleanup(func() {
		comm.Disconnect()
		bus.Close()
	})
	return comm, loop, listener, bus
}

func TestConnectLifecycle(t *testing.T) {
	comm, _, listener, _ := newConnected(t)

	assert.Equal(t, event.StateConnected, comm.State())
	assert.NoError(t, comm.Health())

	waitFor(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.states) >= 2
	})
	listener.mu.Lock()
	assert.Equal(t, event.StateConnecting, listener.states[0])
	assert.Equal(t, event.StateConnected, listener.states[1])
	listener.mu.Unlock()
}

func TestConnectWhileConnected(t *testing.T) {
	comm, _, _, _ := newConnected(t)

	err := comm.Connect(context.Background(), loopbackParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyConnected)
}

func TestConnectDialFailure(t *testing.T) {
	bus := event.NewBus(event.BusDeps{Machine: "test"})
	defer bus.Close()

	comm := NewCommunicator(Deps{
		Machine: "test",
		Bus:     bus,
		Dial: func(config.ConnectionParams) (transport.Driver, error) {
			return nil, errors.ErrPortUnavailable
		},
	})

	err := comm.Connect(context.Background(), loopbackParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPortUnavailable)
	assert.Equal(t, event.StateDisconnected, comm.State())
}

func TestSendAppendsNewline(t *testing.T) {
	comm, loop, _, _ := newConnected(t)

	require.NoError(t, comm.Send("G0 X1"))
	require.NoError(t, comm.Send("G0 X2\n"))

	waitFor(t, func() bool { return len(loop.SentLines()) == 2 })
	assert.Equal(t, []string{"G0 X1", "G0 X2"}, loop.SentLines())
}

func TestSendWhileDisconnected(t *testing.T) {
	bus := event.NewBus(event.BusDeps{Machine: "test"})
	defer bus.Close()
	comm := NewCommunicator(Deps{Machine: "test", Bus: bus})

	err := comm.Send("G0 X1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestAcksReachSink(t *testing.T) {
	comm, _, _, _ := newConnected(t, transport.WithAutoAck())

	sink := &countingSink{}
	comm.Attach(sink)

	require.NoError(t, comm.Send("G0 X1"))
	require.NoError(t, comm.Send("G0 X2"))

	waitFor(t, func() bool { return sink.ackCount() == 2 })
}

func TestCommandErrorReachesSink(t *testing.T) {
	comm, _, _, _ := newConnected(t,
		transport.WithResponse("G1 X1", "error:22"))

	comm.SetDialect(firmware.DialectFor(firmware.GRBL))
	sink := &countingSink{}
	comm.Attach(sink)

	require.NoError(t, comm.Send("G1 X1"))

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.cmdErrors) == 1 && sink.cmdErrors[0] == 22
	})
}

func TestStatusAndAlarmPublished(t *testing.T) {
	comm, loop, listener, _ := newConnected(t)
	comm.SetDialect(firmware.DialectFor(firmware.GRBL))

	loop.Inject("<Idle|MPos:1.000,2.000,3.000|FS:0,0>", "ALARM:1")

	waitFor(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.statuses) == 1 && len(listener.alarms) == 1
	})

	listener.mu.Lock()
	assert.Equal(t, "Idle", listener.statuses[0].State)
	assert.Equal(t, event.Position{X: 1, Y: 2, Z: 3}, listener.statuses[0].Machine)
	assert.Equal(t, 1, listener.alarms[0])
	listener.mu.Unlock()
}

func TestSendRealtimeBypassesLineFraming(t *testing.T) {
	comm, loop, _, _ := newConnected(t,
		transport.WithResponse("?", "<Run|MPos:0.000,0.000,0.000>"))
	comm.SetDialect(firmware.DialectFor(firmware.GRBL))

	require.NoError(t, comm.SendRealtime('?'))

	waitFor(t, func() bool {
		for _, line := range loop.SentLines() {
			if line == "?" {
				return true
			}
		}
		return false
	})
}

func TestProbeCollectsRawLines(t *testing.T) {
	comm, _, _, _ := newConnected(t,
		transport.WithResponse("$I", "[VER:1.1h.20190825:]", "ok"))

	lines, err := comm.Probe(context.Background(), "$I", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"[VER:1.1h.20190825:]", "ok"}, lines)
}

func TestProbeEmptyCommandCollectsBanner(t *testing.T) {
	comm, loop, _, _ := newConnected(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		loop.Inject("Grbl 1.1h ['$' for help]")
	}()

	lines, err := comm.Probe(context.Background(), "", 150*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Grbl")
}

func TestDeliberateDisconnectNoError(t *testing.T) {
	comm, _, listener, _ := newConnected(t)

	require.NoError(t, comm.Disconnect())
	assert.Equal(t, event.StateDisconnected, comm.State())

	// Clean shutdown with nothing outstanding publishes no error.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, listener.errorCount())
}

func TestConnectionLossPublishesSingleError(t *testing.T) {
	comm, loop, listener, _ := newConnected(t)

	sink := &countingSink{outstanding: 3}
	comm.Attach(sink)

	loop.Break(assert.AnError)

	waitFor(t, func() bool { return comm.State() == event.StateDisconnected })
	waitFor(t, func() bool { return listener.errorCount() >= 1 })

	// Exactly one error event regardless of how many commands were in flight.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, listener.errorCount())

	sink.mu.Lock()
	assert.Equal(t, 1, sink.disconnects)
	sink.mu.Unlock()
}

func TestDisconnectWithOutstandingPublishesOneError(t *testing.T) {
	comm, _, listener, _ := newConnected(t)

	sink := &countingSink{outstanding: 2}
	comm.Attach(sink)

	require.NoError(t, comm.Disconnect())

	waitFor(t, func() bool { return listener.errorCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, listener.errorCount())
	listener.mu.Lock()
	assert.Contains(t, listener.errors[0], "2 unacknowledged")
	listener.mu.Unlock()
}

func TestReconnectAfterDisconnect(t *testing.T) {
	loop1 := transport.NewLoopback()
	loop2 := transport.NewLoopback(transport.WithAutoAck())
	drivers := []*transport.Loopback{loop1, loop2}

	bus := event.NewBus(event.BusDeps{Machine: "test"})
	defer bus.Close()

	next := 0
	comm := NewCommunicator(Deps{
		Machine: "test",
		Bus:     bus,
		Dial: func(config.ConnectionParams) (transport.Driver, error) {
			d := drivers[next]
			next++
			return d, nil
		},
	})

	require.NoError(t, comm.Connect(context.Background(), loopbackParams()))
	require.NoError(t, comm.Disconnect())
	require.NoError(t, comm.Connect(context.Background(), loopbackParams()))
	defer comm.Disconnect()

	sink := &countingSink{}
	comm.Attach(sink)
	require.NoError(t, comm.Send("G0 X0"))
	waitFor(t, func() bool { return sink.ackCount() == 1 })
}
