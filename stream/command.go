// Package stream implements byte-budgeted command streaming: it admits
// queued G-code lines to the controller only while their total size fits
// the controller's serial input buffer, crediting capacity back as each
// acknowledgement arrives.
package stream

import "time"

// CommandStatus is the lifecycle state of one buffered command.
type CommandStatus int

const (
	// StatusQueued means the command is held locally, not yet on the wire.
	StatusQueued CommandStatus = iota
	// StatusSent means the command occupies controller buffer space and
	// awaits its acknowledgement.
	StatusSent
	// StatusComplete means the controller acknowledged and executed it.
	StatusComplete
	// StatusFailed means the controller rejected it, or the connection was
	// lost before the acknowledgement arrived.
	StatusFailed
)

// String returns the status name.
func (s CommandStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSent:
		return "sent"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BufferedCommand is one G-code line tracked by the engine.
type BufferedCommand struct {
	// Seq is the 1-based admission order, assigned at enqueue.
	Seq int

	// Text is the command without its line terminator.
	Text string

	// Size is the wire footprint in bytes, terminator included. This is
	// the amount of controller buffer the command occupies while Sent.
	Size int

	Status CommandStatus
}

// Progress is a point-in-time snapshot of a streaming session.
type Progress struct {
	// Enqueued counts every command admitted so far.
	Enqueued int

	Completed int
	Failed    int

	// Queued and Inflight count commands not yet terminal.
	Queued   int
	Inflight int

	// PendingBytes is the controller buffer space currently occupied.
	PendingBytes int

	// Capacity is the controller's total input buffer size.
	Capacity int

	Paused bool

	// Elapsed is the time since the first command was admitted; zero
	// before streaming starts.
	Elapsed time.Duration
}

// Utilization returns occupied buffer space as a fraction of capacity.
func (p Progress) Utilization() float64 {
	if p.Capacity == 0 {
		return 0
	}
	return float64(p.PendingBytes) / float64(p.Capacity)
}
