package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Machine         string
	Transport       string
	Port            string
	Baud            int
	Addr            string
	NATSURL         string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	ListPorts       bool
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	// File is the positional G-code program argument.
	File string
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("GCODESTREAM_CONFIG", ""),
		"Path to configuration file (env: GCODESTREAM_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("GCODESTREAM_CONFIG", ""),
		"Path to configuration file (env: GCODESTREAM_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("GCODESTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: GCODESTREAM_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("GCODESTREAM_LOG_FORMAT", "text"),
		"Log format: json, text (env: GCODESTREAM_LOG_FORMAT)")

	flag.StringVar(&cfg.Machine, "machine",
		getEnv("GCODESTREAM_MACHINE", ""),
		"Machine name for logs, metrics and NATS subjects (env: GCODESTREAM_MACHINE)")

	flag.StringVar(&cfg.Transport, "transport",
		getEnv("GCODESTREAM_TRANSPORT", ""),
		"Transport: serial, tcp, websocket (env: GCODESTREAM_TRANSPORT)")

	flag.StringVar(&cfg.Port, "port",
		getEnv("GCODESTREAM_PORT", ""),
		"Serial device path, e.g. /dev/ttyUSB0 (env: GCODESTREAM_PORT)")

	flag.IntVar(&cfg.Baud, "baud",
		getEnvInt("GCODESTREAM_BAUD", 0),
		"Serial baud rate (env: GCODESTREAM_BAUD)")

	flag.StringVar(&cfg.Addr, "addr",
		getEnv("GCODESTREAM_ADDR", ""),
		"TCP address or websocket URL of a network controller (env: GCODESTREAM_ADDR)")

	flag.StringVar(&cfg.NATSURL, "nats-url",
		getEnv("GCODESTREAM_NATS_URL", ""),
		"NATS server URL for event mirroring, empty disables (env: GCODESTREAM_NATS_URL)")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr",
		getEnv("GCODESTREAM_METRICS_ADDR", ""),
		"Listen address for /metrics and /healthz, empty disables (env: GCODESTREAM_METRICS_ADDR)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("GCODESTREAM_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: GCODESTREAM_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ListPorts, "list-ports", false, "List available serial ports and exit")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	cfg.File = flag.Arg(0)
	return cfg
}

func printDetailedHelp() {
	fmt.Fprintf(os.Stderr, `%s - stream G-code to GRBL, TinyG and g2core controllers

Usage:
  %s [flags] program.gcode
  %s -list-ports
  %s -validate -config machine.yaml

The controller firmware is detected automatically after connecting; the
streaming engine then keeps the controller's input buffer as full as its
advertised capacity allows.

Flags:
`, appName, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nVersion: %s\nBuild: %s\n", Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
