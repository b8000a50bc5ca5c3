package stream

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thawkins/gcodekit5-sub006/errors"
	"github.com/thawkins/gcodekit5-sub006/event"
	"github.com/thawkins/gcodekit5-sub006/metric"
	"github.com/thawkins/gcodekit5-sub006/pkg/buffer"
)

// defaultHistorySize bounds the ring of recently sent lines kept for
// diagnostics.
const defaultHistorySize = 500

// LineWriter puts one command line on the wire. The communicator
// implements it.
type LineWriter interface {
	Send(line string) error
}

// Engine is the byte-budgeted streaming core for one connection. It admits
// queued commands to the controller while their combined wire size fits the
// controller's input buffer, and credits capacity back as acknowledgements
// arrive in FIFO order.
//
// One mutex covers the whole budget state. Admission order, the FIFO ack
// match, and the budget sum must change together, so finer locking would
// only manufacture race windows.
type Engine struct {
	machine  string
	writer   LineWriter
	bus      *event.Bus
	logger   *slog.Logger
	metrics  *metric.Metrics
	capacity int

	mu           sync.Mutex
	queue        []*BufferedCommand
	inflight     []*BufferedCommand
	pendingBytes int
	seq          int
	completed    int
	failed       int
	paused       bool
	stopped      bool
	finished     bool
	done         chan struct{}
	doneClosed   bool
	history      *buffer.Ring[string]
	started      time.Time
}

// EngineDeps holds runtime dependencies for NewEngine. Writer and a
// positive Capacity are required; Bus, Logger, and Metrics may be nil.
type EngineDeps struct {
	Machine  string
	Writer   LineWriter
	Capacity int
	Bus      *event.Bus
	Logger   *slog.Logger
	Metrics  *metric.Metrics

	// HistorySize bounds the sent-line history ring; zero means the default.
	HistorySize int
}

// NewEngine creates an idle engine with the full byte budget available.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Writer == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: writer is required", errors.ErrMissingConfig),
			"stream", "NewEngine", "dependency check")
	}
	if deps.Capacity <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: capacity must be positive, got %d", errors.ErrInvalidConfig, deps.Capacity),
			"stream", "NewEngine", "dependency check")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	historySize := deps.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	return &Engine{
		machine:  deps.Machine,
		writer:   deps.Writer,
		bus:      deps.Bus,
		logger:   logger.With("component", "stream", "machine", deps.Machine),
		metrics:  deps.Metrics,
		capacity: deps.Capacity,
		done:     make(chan struct{}),
		history:  buffer.NewRing[string](historySize),
	}, nil
}

// Capacity returns the controller buffer size the budget is tracked against.
func (e *Engine) Capacity() int { return e.capacity }

// Enqueue admits command lines to the stream. Lines are validated first and
// admitted atomically: one oversized line rejects the whole batch. Admission
// immediately sends as many queued commands as the byte budget allows.
func (e *Engine) Enqueue(lines ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "stream", "Enqueue", "state check")
	}

	cmds := make([]*BufferedCommand, 0, len(lines))
	for _, line := range lines {
		text := strings.TrimRight(line, "\r\n")
		size := len(text) + 1
		if size > e.capacity {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %d bytes exceeds buffer of %d", errors.ErrCommandTooLarge, size, e.capacity),
				"stream", "Enqueue", "size check")
		}
		cmds = append(cmds, &BufferedCommand{Text: text, Size: size, Status: StatusQueued})
	}

	if e.started.IsZero() && len(cmds) > 0 {
		e.started = time.Now()
	}
	for _, cmd := range cmds {
		e.seq++
		cmd.Seq = e.seq
		e.queue = append(e.queue, cmd)
	}

	e.drainLocked()
	return nil
}

// Pause stops admitting queued commands. Commands already on the wire keep
// their buffer space and still acknowledge normally.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.logger.Info("stream paused", "inflight", len(e.inflight))
}

// Resume restarts admission from where Pause left off.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	e.logger.Info("stream resumed")
	e.drainLocked()
}

// Abort discards every queued and in-flight command and ends the session.
// It publishes no per-command events; callers pair it with the controller's
// reset byte, after which the controller's buffer state is void anyway.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	discarded := len(e.queue) + len(e.inflight)
	for _, cmd := range e.inflight {
		cmd.Status = StatusFailed
		e.failed++
	}
	e.queue = nil
	e.inflight = nil
	e.pendingBytes = 0
	e.stopped = true
	e.recordBudgetLocked()
	e.closeDoneLocked()
	e.logger.Info("stream aborted", "discarded", discarded)
}

// Finish marks the input as complete. Done closes once every admitted
// command reaches a terminal state.
func (e *Engine) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = true
	e.maybeCompleteLocked()
}

// Done returns a channel closed when the session ends: all commands
// terminal after Finish, or the stream aborted or halted.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Snapshot returns the current session progress.
func (e *Engine) Snapshot() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	var elapsed time.Duration
	if !e.started.IsZero() {
		elapsed = time.Since(e.started)
	}
	return Progress{
		Enqueued:     e.seq,
		Completed:    e.completed,
		Failed:       e.failed,
		Queued:       len(e.queue),
		Inflight:     len(e.inflight),
		PendingBytes: e.pendingBytes,
		Capacity:     e.capacity,
		Paused:       e.paused,
		Elapsed:      elapsed,
	}
}

// History returns the most recently sent lines, oldest first.
func (e *Engine) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Snapshot()
}

// HandleAck credits the oldest in-flight command. An acknowledgement with
// nothing in flight is a protocol violation reported to listeners; the
// budget is left untouched because no tracked bytes correspond to it.
func (e *Engine) HandleAck() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.inflight) == 0 {
		e.logger.Warn("acknowledgement with no command in flight")
		if e.metrics != nil {
			e.metrics.RecordError(e.machine, "spurious_ack")
		}
		if e.bus != nil {
			e.bus.PublishError("protocol violation: acknowledgement with no command in flight")
		}
		return
	}

	cmd := e.popInflightLocked()
	cmd.Status = StatusComplete
	e.completed++
	if e.bus != nil {
		e.bus.PublishComplete(cmd.Text)
	}

	e.checkBudgetLocked()
	e.drainLocked()
	e.maybeCompleteLocked()
}

// HandleCommandError fails the oldest in-flight command; the controller
// rejects in receive order, so the positional match holds. An error with
// nothing in flight is session-level and only reported.
func (e *Engine) HandleCommandError(code int, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.inflight) == 0 {
		if e.bus != nil {
			e.bus.PublishError(fmt.Sprintf("controller error %d: %s", code, message))
		}
		return
	}

	cmd := e.popInflightLocked()
	cmd.Status = StatusFailed
	e.failed++
	e.logger.Warn("command rejected",
		"seq", cmd.Seq, "command", cmd.Text, "code", code, "description", message)
	if e.bus != nil {
		e.bus.PublishError(fmt.Sprintf("command %q failed: error %d: %s", cmd.Text, code, message))
	}

	e.checkBudgetLocked()
	e.drainLocked()
	e.maybeCompleteLocked()
}

// HandleDisconnect fails everything outstanding and ends the session. It
// returns the number of commands that were on the wire unacknowledged; the
// caller owns reporting the loss, so no per-command events fire here.
func (e *Engine) HandleDisconnect() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	outstanding := len(e.inflight)
	for _, cmd := range e.inflight {
		cmd.Status = StatusFailed
		e.failed++
	}
	for _, cmd := range e.queue {
		cmd.Status = StatusFailed
		e.failed++
	}
	e.inflight = nil
	e.queue = nil
	e.pendingBytes = 0
	e.stopped = true
	e.recordBudgetLocked()
	e.closeDoneLocked()
	return outstanding
}

// drainLocked admits queued commands while the next one fits the remaining
// budget. Greedy in admission order: the head either fits now or everything
// waits, preserving the controller's execution order.
func (e *Engine) drainLocked() {
	admitted := 0
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordDrainBatch(e.machine, admitted)
		}
		e.recordBudgetLocked()
	}()

	for !e.paused && !e.stopped && len(e.queue) > 0 {
		cmd := e.queue[0]
		if cmd.Size > e.capacity-e.pendingBytes {
			return
		}
		e.queue = e.queue[1:]

		if err := e.writer.Send(cmd.Text); err != nil {
			// The write path failed; the disconnect teardown will follow.
			cmd.Status = StatusFailed
			e.failed++
			e.logger.Warn("send failed", "seq", cmd.Seq, "error", err)
			if e.bus != nil {
				e.bus.PublishError(fmt.Sprintf("command %q failed: %v", cmd.Text, err))
			}
			return
		}

		cmd.Status = StatusSent
		e.inflight = append(e.inflight, cmd)
		e.pendingBytes += cmd.Size
		e.history.Push(cmd.Text)
		admitted++
	}
}

// popInflightLocked removes and returns the oldest in-flight command,
// crediting its buffer space.
func (e *Engine) popInflightLocked() *BufferedCommand {
	cmd := e.inflight[0]
	e.inflight = e.inflight[1:]
	e.pendingBytes -= cmd.Size
	return cmd
}

// checkBudgetLocked verifies the budget sum against the in-flight set. A
// mismatch means the accounting is corrupt and every further admission
// decision would be wrong, so the engine halts.
func (e *Engine) checkBudgetLocked() {
	sum := 0
	for _, cmd := range e.inflight {
		sum += cmd.Size
	}
	if sum == e.pendingBytes {
		return
	}

	err := errors.WrapFatal(
		fmt.Errorf("%w: tracked %d bytes, in-flight commands sum to %d",
			errors.ErrBudgetMismatch, e.pendingBytes, sum),
		"stream", "checkBudget", "budget audit")
	e.logger.Error("budget accounting corrupt, halting stream", "error", err)
	if e.bus != nil {
		e.bus.PublishError(err.Error())
	}
	e.stopped = true
	e.closeDoneLocked()
}

// maybeCompleteLocked ends the session once the input is finished and every
// admitted command is terminal.
func (e *Engine) maybeCompleteLocked() {
	if e.finished && len(e.queue) == 0 && len(e.inflight) == 0 {
		e.closeDoneLocked()
	}
}

func (e *Engine) closeDoneLocked() {
	if !e.doneClosed {
		e.doneClosed = true
		close(e.done)
	}
}

func (e *Engine) recordBudgetLocked() {
	if e.metrics != nil {
		e.metrics.RecordPendingBytes(e.machine, e.pendingBytes, e.capacity)
	}
}
