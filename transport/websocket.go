package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
)

// websocketDriver connects to a serial bridge server (serial-port-json-server
// style) that exposes the controller's byte stream as websocket text frames.
type websocketDriver struct {
	conn        *websocket.Conn
	url         string
	readTimeout time.Duration

	// leftover holds frame bytes not yet consumed by Read.
	leftover []byte

	closeOnce sync.Once
	closeErr  error
}

// openWebsocket dials the bridge endpoint.
func openWebsocket(params config.ConnectionParams) (Driver, error) {
	timeout := params.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(params.URL, nil)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			err = fmt.Errorf("%w: %s", errors.ErrConnectTimeout, params.URL)
		}
		return nil, errors.Wrap(err, "transport", "openWebsocket", "dial")
	}

	return &websocketDriver{
		conn:        conn,
		url:         params.URL,
		readTimeout: params.ReadTimeout,
	}, nil
}

// Read returns bytes from the current or next text frame. A frame larger
// than p is buffered and drained across subsequent reads. Timeouts are
// masked as (0, nil) per the Driver contract.
func (d *websocketDriver) Read(p []byte) (int, error) {
	if len(d.leftover) > 0 {
		n := copy(p, d.leftover)
		d.leftover = d.leftover[n:]
		return n, nil
	}

	if d.readTimeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.readTimeout)); err != nil {
			return 0, err
		}
	}

	_, data, err := d.conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, nil
		}
		return 0, err
	}

	n := copy(p, data)
	if n < len(data) {
		d.leftover = data[n:]
	}
	return n, nil
}

func (d *websocketDriver) Write(p []byte) (int, error) {
	if err := d.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *websocketDriver) Close() error {
	d.closeOnce.Do(func() { d.closeErr = d.conn.Close() })
	return d.closeErr
}

func (d *websocketDriver) Name() string { return d.url }
