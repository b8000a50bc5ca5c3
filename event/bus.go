package event

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/thawkins/gcodekit5-sub006/metric"
)

// defaultQueueSize bounds the per-listener event queue. A listener that
// falls this far behind starts losing its oldest undelivered events.
const defaultQueueSize = 256

// Handle is the opaque token identifying one listener registration. It is
// the only key usable to unregister.
type Handle = uuid.UUID

// Bus fans decoded protocol events out to registered listeners. Each
// listener gets its own bounded queue and dispatch goroutine, so a slow
// observer never blocks the decode path. The registry is owned by the Bus
// instance; independent connections never cross-notify.
type Bus struct {
	machine   string
	logger    *slog.Logger
	metrics   *metric.Metrics
	queueSize int

	mu     sync.RWMutex
	subs   map[Handle]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	listener Listener
	ch       chan func(Listener)
}

// BusDeps holds runtime dependencies for the event bus.
type BusDeps struct {
	Machine   string
	Logger    *slog.Logger
	Metrics   *metric.Metrics
	QueueSize int
}

// NewBus creates an event bus for one connection.
func NewBus(deps BusDeps) *Bus {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "event-bus")
	}
	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Bus{
		machine:   deps.Machine,
		logger:    logger,
		metrics:   deps.Metrics,
		queueSize: queueSize,
		subs:      make(map[Handle]*subscriber),
	}
}

// Register subscribes a listener and returns its handle.
func (b *Bus) Register(l Listener) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := uuid.New()
	if b.closed {
		return h
	}

	sub := &subscriber{
		listener: l,
		ch:       make(chan func(Listener), b.queueSize),
	}
	b.subs[h] = sub

	b.wg.Add(1)
	go b.dispatch(sub)

	return h
}

// Unregister removes a listener. Unregistering an unknown handle is a no-op.
func (b *Bus) Unregister(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[h]
	if !ok {
		return
	}
	delete(b.subs, h)
	close(sub.ch)
}

// Close unregisters all listeners and waits for queued events to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for h, sub := range b.subs {
		delete(b.subs, h)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// dispatch delivers queued events to one listener in order.
func (b *Bus) dispatch(sub *subscriber) {
	defer b.wg.Done()
	for fn := range sub.ch {
		fn(sub.listener)
	}
}

// publish enqueues an event for every subscriber. When a queue is full the
// oldest undelivered event for that listener is dropped so the decode path
// never blocks.
func (b *Bus) publish(eventType string, fn func(Listener)) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- fn:
			continue
		default:
		}

		// Queue full: shed the oldest event, then retry once.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- fn:
		default:
		}

		b.logger.Warn("listener queue full, dropped oldest event", "machine", b.machine)
		if b.metrics != nil {
			b.metrics.RecordEventDropped(b.machine)
		}
	}

	if b.metrics != nil {
		b.metrics.RecordEventPublished(b.machine, eventType)
	}
}

// PublishState notifies listeners of a connection state change.
func (b *Bus) PublishState(state ConnectionState) {
	b.publish("state", func(l Listener) { l.OnStateChanged(state) })
}

// PublishStatus notifies listeners of a decoded status report.
func (b *Bus) PublishStatus(status Status) {
	b.publish("status", func(l Listener) { l.OnStatusChanged(status) })
}

// PublishAlarm notifies listeners of a machine alarm.
func (b *Bus) PublishAlarm(code int, description string) {
	b.publish("alarm", func(l Listener) { l.OnAlarm(code, description) })
}

// PublishError notifies listeners of a connection or protocol error.
func (b *Bus) PublishError(message string) {
	b.publish("error", func(l Listener) { l.OnError(message) })
}

// PublishComplete notifies listeners that a streamed command finished.
func (b *Bus) PublishComplete(command string) {
	b.publish("complete", func(l Listener) { l.OnCommandComplete(command) })
}
