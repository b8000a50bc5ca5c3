package natsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/event"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func newTestBridge(t *testing.T) (*Bridge, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	b := NewBridge(Deps{
		Machine:   "mill1",
		Config:    config.NATSConfig{SubjectPrefix: "cnc"},
		Publisher: pub,
	})
	return b, pub
}

func TestBridgeSubjects(t *testing.T) {
	b, pub := newTestBridge(t)

	b.OnStateChanged(event.StateConnected)
	b.OnStatusChanged(event.Status{State: "Run"})
	b.OnAlarm(1, "hard limit")
	b.OnError("boom")
	b.OnCommandComplete("G0 X1")

	assert.Equal(t, []string{
		"cnc.mill1.state",
		"cnc.mill1.status",
		"cnc.mill1.alarm",
		"cnc.mill1.error",
		"cnc.mill1.complete",
	}, pub.subjects)
}

func TestBridgePayloads(t *testing.T) {
	b, pub := newTestBridge(t)

	b.OnAlarm(2, "travel exceeded")

	var msg alarmMessage
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "mill1", msg.Machine)
	assert.Equal(t, 2, msg.Code)
	assert.Equal(t, "travel exceeded", msg.Description)
	assert.False(t, msg.Time.IsZero())
}

func TestBridgeStatusPayload(t *testing.T) {
	b, pub := newTestBridge(t)

	b.OnStatusChanged(event.Status{
		State:   "Run",
		Machine: event.Position{X: 1, Y: 2, Z: 3},
		Feed:    500,
	})

	var msg statusMessage
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "Run", msg.Status.State)
	assert.Equal(t, 1.0, msg.Status.Machine.X)
	assert.Equal(t, 500.0, msg.Status.Feed)
}

func TestBridgeDisabledWithoutURL(t *testing.T) {
	b := NewBridge(Deps{Machine: "mill1"})

	require.NoError(t, b.Connect(context.Background(), config.NATSConfig{}))

	// No publisher, no panic, events are dropped.
	b.OnError("nobody listening")
}

func TestBridgeDefaultPrefix(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBridge(Deps{Machine: "m", Publisher: pub})

	b.OnStateChanged(event.StateDisconnected)
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "cnc.m.state", pub.subjects[0])
}
