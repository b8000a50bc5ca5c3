package transport

import (
	"io"
	"strings"
	"sync"
	"time"
)

// realtimeBytes are single-byte commands processed outside the line
// protocol by GRBL-family firmware (status query, feed hold, cycle start,
// soft reset).
const realtimeBytes = "?!~\x18"

// Loopback is the no-op test double driver: an in-memory endpoint that
// records written lines and replies with scripted canned responses. It backs
// every higher-layer test and the loopback transport kind.
type Loopback struct {
	mu        sync.Mutex
	closed    bool
	brokenErr error

	responses map[string][]string
	autoAck   bool

	written []string
	partial []byte

	rx       chan []byte
	leftover []byte
}

// LoopbackOption configures a Loopback driver.
type LoopbackOption func(*Loopback)

// WithResponse scripts reply lines for an exact written command. The
// command is matched after trimming the line terminator; realtime bytes
// are matched as single-character commands.
func WithResponse(command string, replies ...string) LoopbackOption {
	return func(l *Loopback) { l.responses[command] = replies }
}

// WithGreeting queues banner lines the "controller" emits on connect.
func WithGreeting(lines ...string) LoopbackOption {
	return func(l *Loopback) {
		for _, line := range lines {
			l.rx <- []byte(line + "\n")
		}
	}
}

// WithAutoAck makes every unscripted written line answer with "ok",
// emulating a well-behaved controller draining its buffer.
func WithAutoAck() LoopbackOption {
	return func(l *Loopback) { l.autoAck = true }
}

// NewLoopback creates a loopback driver.
func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		responses: make(map[string][]string),
		rx:        make(chan []byte, 1024),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Read returns queued response bytes, or (0, nil) when nothing arrives
// within the polling window, mirroring the short-timeout semantics of the
// real drivers.
func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	if len(l.leftover) > 0 {
		n := copy(p, l.leftover)
		l.leftover = l.leftover[n:]
		l.mu.Unlock()
		return n, nil
	}
	closed, broken := l.closed, l.brokenErr
	l.mu.Unlock()

	if broken != nil {
		return 0, broken
	}
	if closed {
		return 0, io.EOF
	}

	select {
	case data := <-l.rx:
		n := copy(p, data)
		if n < len(data) {
			l.mu.Lock()
			l.leftover = append(l.leftover, data[n:]...)
			l.mu.Unlock()
		}
		return n, nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

// Write records complete lines and queues their scripted replies. Realtime
// bytes are handled as standalone single-character commands.
func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, io.ErrClosedPipe
	}

	var finished []string
	for _, b := range p {
		if strings.IndexByte(realtimeBytes, b) >= 0 {
			finished = append(finished, string(b))
			continue
		}
		if b == '\n' || b == '\r' {
			if len(l.partial) > 0 {
				finished = append(finished, string(l.partial))
				l.partial = l.partial[:0]
			}
			continue
		}
		l.partial = append(l.partial, b)
	}
	l.written = append(l.written, finished...)
	l.mu.Unlock()

	for _, cmd := range finished {
		l.reply(cmd)
	}
	return len(p), nil
}

// reply queues the scripted (or auto-ack) response for one command.
func (l *Loopback) reply(cmd string) {
	l.mu.Lock()
	replies, ok := l.responses[cmd]
	autoAck := l.autoAck
	l.mu.Unlock()

	if !ok {
		if autoAck && len(cmd) > 1 {
			l.push("ok")
		}
		return
	}
	for _, r := range replies {
		l.push(r)
	}
}

func (l *Loopback) push(line string) {
	select {
	case l.rx <- []byte(line + "\n"):
	default:
		// Response queue full; the test double just drops.
	}
}

// Inject queues unsolicited controller output (status reports, alarms).
func (l *Loopback) Inject(lines ...string) {
	for _, line := range lines {
		l.push(line)
	}
}

// Break makes subsequent reads fail with err, simulating connection loss
// mid-stream.
func (l *Loopback) Break(err error) {
	l.mu.Lock()
	l.brokenErr = err
	l.mu.Unlock()
}

// SentLines returns the complete lines written so far, realtime commands
// included as single-character entries.
func (l *Loopback) SentLines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.written...)
}

// Close is idempotent.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Name implements Driver.
func (l *Loopback) Name() string { return "loopback" }

var _ Driver = (*Loopback)(nil)
