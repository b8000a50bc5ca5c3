// Package config defines the YAML configuration for the streaming core:
// connection parameters, firmware detection bounds, the NATS event bridge
// and the observability endpoint.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thawkins/gcodekit5-sub006/errors"
)

// Transport kinds accepted by ConnectionParams.
const (
	TransportSerial    = "serial"
	TransportTCP       = "tcp"
	TransportWebsocket = "websocket"
	TransportLoopback  = "loopback"
)

// Parity settings for serial connections.
const (
	ParityNone = "none"
	ParityOdd  = "odd"
	ParityEven = "even"
)

// ConnectionParams selects and configures the transport medium. It is
// immutable once a connection attempt starts: the transport factory receives
// it by value.
type ConnectionParams struct {
	// Transport is one of serial, tcp, websocket or loopback.
	Transport string `yaml:"transport"`

	// Serial settings.
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	Parity   string `yaml:"parity"`

	// Network settings. Addr is host:port for tcp, URL is the websocket
	// endpoint of a serial bridge server.
	Addr string `yaml:"addr"`
	URL  string `yaml:"url"`

	// Timeouts. ReadTimeout bounds a single driver read so the decode loop
	// stays responsive to cancellation.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// DetectionConfig bounds firmware detection.
type DetectionConfig struct {
	// Timeout is the overall detection budget; on expiry the controller is
	// classified Unknown rather than failing the connection.
	Timeout time.Duration `yaml:"timeout"`

	// Window is how long to listen for responses after each probe.
	Window time.Duration `yaml:"window"`
}

// NATSConfig configures the optional NATS event bridge. An empty URL
// disables the bridge.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ObserveConfig configures the observability HTTP endpoint.
type ObserveConfig struct {
	// Addr is the listen address for /metrics and /healthz; empty disables it.
	Addr string `yaml:"addr"`
}

// Config is the root configuration.
type Config struct {
	// Machine names this connection in logs, metrics and NATS subjects.
	Machine    string           `yaml:"machine"`
	Connection ConnectionParams `yaml:"connection"`
	Detection  DetectionConfig  `yaml:"detection"`
	NATS       NATSConfig       `yaml:"nats"`
	Observe    ObserveConfig    `yaml:"observe"`

	// HistorySize bounds the sent-line history kept per streaming session.
	HistorySize int `yaml:"history_size"`
}

// DefaultConfig returns a config with sensible defaults applied.
func DefaultConfig() Config {
	return Config{
		Machine: "cnc",
		Connection: ConnectionParams{
			Transport:      TransportSerial,
			BaudRate:       115200,
			Parity:         ParityNone,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    100 * time.Millisecond,
		},
		Detection: DetectionConfig{
			Timeout: 3 * time.Second,
			Window:  500 * time.Millisecond,
		},
		NATS: NATSConfig{
			SubjectPrefix: "cnc",
		},
		HistorySize: 500,
	}
}

// Validate checks connection parameters for the selected transport.
func (p *ConnectionParams) Validate() error {
	switch p.Transport {
	case TransportSerial:
		if p.Port == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"ConnectionParams", "Validate", "serial port name")
		}
		if p.BaudRate <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("invalid baud rate %d", p.BaudRate),
				"ConnectionParams", "Validate", "baud rate")
		}
		switch p.Parity {
		case "", ParityNone, ParityOdd, ParityEven:
		default:
			return errors.WrapInvalid(
				fmt.Errorf("unknown parity %q", p.Parity),
				"ConnectionParams", "Validate", "parity")
		}
	case TransportTCP:
		if p.Addr == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"ConnectionParams", "Validate", "tcp address")
		}
	case TransportWebsocket:
		if p.URL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"ConnectionParams", "Validate", "websocket url")
		}
	case TransportLoopback:
		// No parameters required.
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown transport %q", p.Transport),
			"ConnectionParams", "Validate", "transport kind")
	}

	if p.ConnectTimeout < 0 || p.ReadTimeout < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("negative timeout"),
			"ConnectionParams", "Validate", "timeouts")
	}

	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Machine == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "machine name")
	}
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if c.Detection.Timeout < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("negative detection timeout"),
			"Config", "Validate", "detection timeout")
	}
	if c.HistorySize < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("negative history size"),
			"Config", "Validate", "history size")
	}
	return nil
}

// Load reads a YAML config file, merges it over DefaultConfig and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
