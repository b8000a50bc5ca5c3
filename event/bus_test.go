package event

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener captures every callback in arrival order.
type recordingListener struct {
	BaseListener

	mu     sync.Mutex
	states []ConnectionState
	status []Status
	alarms []int
	errors []string
	done   []string
}

func (r *recordingListener) OnStateChanged(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingListener) OnStatusChanged(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, s)
}

func (r *recordingListener) OnAlarm(code int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, code)
}

func (r *recordingListener) OnError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *recordingListener) OnCommandComplete(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, cmd)
}

func (r *recordingListener) snapshot() recordingListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordingListener{
		states: append([]ConnectionState(nil), r.states...),
		status: append([]Status(nil), r.status...),
		alarms: append([]int(nil), r.alarms...),
		errors: append([]string(nil), r.errors...),
		done:   append([]string(nil), r.done...),
	}
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
	t.Fatal("condition not met before deadline")
}

func TestBusDeliversToAllListeners(t *testing.T) {
	bus := NewBus(BusDeps{Machine: "mill"})
	defer bus.Close()

	first := &recordingListener{}
	second := &recordingListener{}
	bus.Register(first)
	bus.Register(second)

	bus.PublishAlarm(2, "soft limit")
	bus.PublishError("spurious ack")
	bus.PublishComplete("G0 X10")

	waitFor(t, func() bool {
		a := first.snapshot()
		b := second.snapshot()
		return len(a.alarms) == 1 && len(a.errors) == 1 && len(a.done) == 1 &&
			len(b.alarms) == 1 && len(b.errors) == 1 && len(b.done) == 1
	})

	assert.Equal(t, []int{2}, first.snapshot().alarms)
	assert.Equal(t, []string{"G0 X10"}, second.snapshot().done)
}

func TestBusPerListenerOrdering(t *testing.T) {
	bus := NewBus(BusDeps{Machine: "mill"})
	defer bus.Close()

	l := &recordingListener{}
	bus.Register(l)

	for i := 0; i < 50; i++ {
		bus.PublishStatus(Status{Feed: float64(i)})
	}

	waitFor(t, func() bool { return len(l.snapshot().status) == 50 })

	got := l.snapshot().status
	for i, s := range got {
		require.Equal(t, float64(i), s.Feed, "events must arrive in decode order")
	}
}

func TestBusUnregister(t *testing.T) {
	bus := NewBus(BusDeps{Machine: "mill"})
	defer bus.Close()

	l := &recordingListener{}
	h := bus.Register(l)

	bus.PublishError("first")
	waitFor(t, func() bool { return len(l.snapshot().errors) == 1 })

	bus.Unregister(h)
	bus.PublishError("second")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"first"}, l.snapshot().errors)
}

func TestBusUnregisterUnknownHandleIsNoop(t *testing.T) {
	bus := NewBus(BusDeps{Machine: "mill"})
	defer bus.Close()

	assert.NotPanics(t, func() { bus.Unregister(uuid.New()) })
}

func TestBusSlowListenerDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(BusDeps{Machine: "mill", QueueSize: 4})
	defer bus.Close()

	block := make(chan struct{})
	slow := &blockingListener{release: block}
	bus.Register(slow)

	// Far more events than the queue holds; publish must never block.
	published := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.PublishError("e")
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow listener")
	}
	close(block)
}

type blockingListener struct {
	BaseListener
	release chan struct{}
	once    sync.Once
}

func (b *blockingListener) OnError(string) {
	b.once.Do(func() { <-b.release })
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(BusDeps{Machine: "mill"})
	l := &recordingListener{}
	bus.Register(l)
	bus.Close()

	assert.NotPanics(t, func() { bus.PublishState(StateDisconnected) })
	assert.Empty(t, l.snapshot().states)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "error", StateError.String())
}
