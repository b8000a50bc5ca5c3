package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/thawkins/gcodekit5-sub006/event"
)

// consoleListener renders machine events as a terminal progress display.
// It receives events on the bus dispatch goroutine, so all output is
// serialized without further coordination beyond the counter lock.
type consoleListener struct {
	total int

	mu        sync.Mutex
	completed int
}

func newConsoleListener(total int) *consoleListener {
	return &consoleListener{total: total}
}

func (c *consoleListener) OnStateChanged(state event.ConnectionState) {
	fmt.Printf("connection: %s\n", state)
}

func (c *consoleListener) OnStatusChanged(status event.Status) {
	fmt.Printf("\r[%s] X%.3f Y%.3f Z%.3f F%.0f        ",
		status.State, status.Work.X, status.Work.Y, status.Work.Z, status.Feed)
}

func (c *consoleListener) OnAlarm(code int, description string) {
	fmt.Fprintf(os.Stderr, "\nALARM %d: %s\n", code, description)
}

func (c *consoleListener) OnError(message string) {
	fmt.Fprintf(os.Stderr, "\nerror: %s\n", message)
}

func (c *consoleListener) OnCommandComplete(string) {
	c.mu.Lock()
	c.completed++
	done := c.completed
	c.mu.Unlock()
	fmt.Printf("\rprogress: %d/%d lines        ", done, c.total)
}
