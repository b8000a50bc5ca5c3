package transport

import (
	"fmt"
	"sync"

	"go.bug.st/serial"

	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
)

// ListPorts enumerates the serial devices visible to the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "ListPorts", "enumerate serial ports")
	}
	return ports, nil
}

// serialDriver wraps a physical serial port.
type serialDriver struct {
	port serial.Port
	name string

	closeOnce sync.Once
	closeErr  error
}

// openSerial enumerates available ports, verifies the requested device
// exists, then opens it with the configured mode. A missing or already
// claimed device surfaces ErrPortUnavailable.
func openSerial(params config.ConnectionParams) (Driver, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "openSerial", "list serial ports")
	}

	found := false
	for _, p := range ports {
		if p == params.Port {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Wrap(
			fmt.Errorf("%w: %s", errors.ErrPortUnavailable, params.Port),
			"transport", "openSerial", "locate device")
	}

	mode := &serial.Mode{
		BaudRate: params.BaudRate,
		DataBits: 8,
		Parity:   parityMode(params.Parity),
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(params.Port, mode)
	if err != nil {
		// Opening a present device fails when another process holds it.
		return nil, errors.Wrap(
			fmt.Errorf("%w: %s: %v", errors.ErrPortUnavailable, params.Port, err),
			"transport", "openSerial", "open device")
	}

	if params.ReadTimeout > 0 {
		if err := port.SetReadTimeout(params.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, errors.Wrap(err, "transport", "openSerial", "set read timeout")
		}
	}

	return &serialDriver{port: port, name: params.Port}, nil
}

// parityMode maps the config parity string onto serial.Mode parity.
func parityMode(parity string) serial.Parity {
	switch parity {
	case config.ParityOdd:
		return serial.OddParity
	case config.ParityEven:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func (d *serialDriver) Read(p []byte) (int, error)  { return d.port.Read(p) }
func (d *serialDriver) Write(p []byte) (int, error) { return d.port.Write(p) }

func (d *serialDriver) Close() error {
	d.closeOnce.Do(func() { d.closeErr = d.port.Close() })
	return d.closeErr
}

func (d *serialDriver) Name() string { return d.name }
