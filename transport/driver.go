// Package transport provides the lowest-layer drivers that move raw bytes
// to and from a motion controller: a serial port, a TCP socket, a websocket
// serial bridge, and an in-memory loopback used for testing.
package transport

import (
	"fmt"
	"io"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
)

// Driver is an open byte stream to a controller.
//
// Read uses short-timeout semantics: it may return (0, nil) when no bytes
// arrived within the configured read timeout, so the caller's decode loop
// stays responsive to cancellation. Write is blocking. Close is idempotent
// and releases the underlying OS resource, which the driver holds
// exclusively while open.
type Driver interface {
	io.ReadWriteCloser

	// Name identifies the underlying medium for logs (port path, address).
	Name() string
}

// Open creates a driver for the transport selected by params. The params
// are validated first; a driver is only returned once the medium is open.
func Open(params config.ConnectionParams) (Driver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	switch params.Transport {
	case config.TransportSerial:
		return openSerial(params)
	case config.TransportTCP:
		return openTCP(params)
	case config.TransportWebsocket:
		return openWebsocket(params)
	case config.TransportLoopback:
		return NewLoopback(), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown transport %q", params.Transport),
			"transport", "Open", "transport selection")
	}
}
