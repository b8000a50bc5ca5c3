package transport

import (
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
)

// tcpDriver wraps a TCP connection to a networked controller or serial
// device server.
type tcpDriver struct {
	conn        net.Conn
	addr        string
	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// openTCP dials the configured address, classifying refusals and timeouts
// into the connection error taxonomy.
func openTCP(params config.ConnectionParams) (Driver, error) {
	timeout := params.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := net.DialTimeout("tcp", params.Addr, timeout)
	if err != nil {
		return nil, errors.Wrap(classifyDialError(err, params.Addr),
			"transport", "openTCP", "dial")
	}

	return &tcpDriver{
		conn:        conn,
		addr:        params.Addr,
		readTimeout: params.ReadTimeout,
	}, nil
}

// classifyDialError maps network errors onto the sentinel taxonomy.
func classifyDialError(err error, addr string) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return fmt.Errorf("%w: %s", errors.ErrConnectTimeout, addr)
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %s", errors.ErrConnectionRefused, addr)
	}
	return fmt.Errorf("dial %s: %w", addr, err)
}

// Read applies the short read timeout and masks it as (0, nil) so the
// decode loop can poll for cancellation between reads.
func (d *tcpDriver) Read(p []byte) (int, error) {
	if d.readTimeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.readTimeout)); err != nil {
			return 0, err
		}
	}

	n, err := d.conn.Read(p)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (d *tcpDriver) Write(p []byte) (int, error) { return d.conn.Write(p) }

func (d *tcpDriver) Close() error {
	d.closeOnce.Do(func() { d.closeErr = d.conn.Close() })
	return d.closeErr
}

func (d *tcpDriver) Name() string { return d.addr }
