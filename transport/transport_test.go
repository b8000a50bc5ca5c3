package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
)

func readAll(t *testing.T, d Driver, within time.Duration) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 256)
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		n, err := d.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return string(out)
}

func TestOpenValidatesParams(t *testing.T) {
	_, err := Open(config.ConnectionParams{Transport: "bogus"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = Open(config.ConnectionParams{Transport: config.TransportSerial})
	require.Error(t, err)
}

func TestOpenLoopback(t *testing.T) {
	d, err := Open(config.ConnectionParams{Transport: config.TransportLoopback})
	require.NoError(t, err)
	assert.Equal(t, "loopback", d.Name())
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close(), "close must be idempotent")
}

func TestLoopbackScriptedResponse(t *testing.T) {
	d := NewLoopback(WithResponse("$I", "[VER:1.1h.20190825:]", "ok"))

	_, err := d.Write([]byte("$I\n"))
	require.NoError(t, err)

	got := readAll(t, d, 100*time.Millisecond)
	assert.Contains(t, got, "[VER:1.1h.20190825:]\n")
	assert.Contains(t, got, "ok\n")
	assert.Equal(t, []string{"$I"}, d.SentLines())
}

func TestLoopbackGreeting(t *testing.T) {
	d := NewLoopback(WithGreeting("Grbl 1.1h ['$' for help]"))

	got := readAll(t, d, 100*time.Millisecond)
	assert.Equal(t, "Grbl 1.1h ['$' for help]\n", got)
}

func TestLoopbackAutoAck(t *testing.T) {
	d := NewLoopback(WithAutoAck())

	_, err := d.Write([]byte("G0 X1\nG0 X2\n"))
	require.NoError(t, err)

	got := readAll(t, d, 100*time.Millisecond)
	assert.Equal(t, "ok\nok\n", got)
}

func TestLoopbackRealtimeBytes(t *testing.T) {
	d := NewLoopback(WithResponse("?", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>"))

	// A realtime byte interleaved mid-line must be recognized on its own.
	_, err := d.Write([]byte("G0 ?X1\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"?", "G0 X1"}, d.SentLines())
	got := readAll(t, d, 100*time.Millisecond)
	assert.Contains(t, got, "<Idle|")
}

func TestLoopbackPartialWrites(t *testing.T) {
	d := NewLoopback()

	_, _ = d.Write([]byte("G0 "))
	_, _ = d.Write([]byte("X10"))
	assert.Empty(t, d.SentLines(), "incomplete line must not be recorded")

	_, _ = d.Write([]byte("\n"))
	assert.Equal(t, []string{"G0 X10"}, d.SentLines())
}

func TestLoopbackReadTimeoutSemantics(t *testing.T) {
	d := NewLoopback()

	buf := make([]byte, 16)
	n, err := d.Read(buf)
	assert.Zero(t, n)
	assert.NoError(t, err, "quiet driver must return (0, nil), not an error")
}

func TestLoopbackBreak(t *testing.T) {
	d := NewLoopback()
	d.Break(io.ErrUnexpectedEOF)

	buf := make([]byte, 16)
	_, err := d.Read(buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestLoopbackClosedRead(t *testing.T) {
	d := NewLoopback()
	require.NoError(t, d.Close())

	buf := make([]byte, 16)
	_, err := d.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	_, err = d.Write([]byte("G0 X0\n"))
	assert.Error(t, err)
}

func TestTCPDriver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write([]byte("ok\n"))
		_ = n
	}()

	d, err := Open(config.ConnectionParams{
		Transport:      config.TransportTCP,
		Addr:           ln.Addr().String(),
		ConnectTimeout: time.Second,
		ReadTimeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Write([]byte("G0 X1\n"))
	require.NoError(t, err)

	got := readAll(t, d, 500*time.Millisecond)
	assert.Equal(t, "ok\n", got)
	<-serverDone
}

func TestTCPDriverRefused(t *testing.T) {
	// Grab a port and close the listener so nothing is accepting there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Open(config.ConnectionParams{
		Transport:      config.TransportTCP,
		Addr:           addr,
		ConnectTimeout: time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionRefused)
}

func TestTCPDriverReadTimeoutMasked(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Hold the connection open without sending anything.
		time.Sleep(time.Second)
		conn.Close()
	}()

	d, err := Open(config.ConnectionParams{
		Transport:      config.TransportTCP,
		Addr:           ln.Addr().String(),
		ConnectTimeout: time.Second,
		ReadTimeout:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 16)
	n, err := d.Read(buf)
	assert.Zero(t, n)
	assert.NoError(t, err, "read timeout must surface as (0, nil)")
}

func TestSerialOpenMissingDevice(t *testing.T) {
	_, err := Open(config.ConnectionParams{
		Transport: config.TransportSerial,
		Port:      "/dev/ttyDOESNOTEXIST99",
		BaudRate:  115200,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPortUnavailable)
}
