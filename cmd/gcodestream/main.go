// Package main implements the gcodestream command line tool: it connects to
// a CNC motion controller, detects its firmware, and streams a G-code
// program with byte-budgeted flow control against the controller's input
// buffer.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/thawkins/gcodekit5-sub006/communicator"
	"github.com/thawkins/gcodekit5-sub006/config"
	"github.com/thawkins/gcodekit5-sub006/errors"
	"github.com/thawkins/gcodekit5-sub006/event"
	"github.com/thawkins/gcodekit5-sub006/firmware"
	"github.com/thawkins/gcodekit5-sub006/metric"
	"github.com/thawkins/gcodekit5-sub006/natsbridge"
	"github.com/thawkins/gcodekit5-sub006/stream"
	"github.com/thawkins/gcodekit5-sub006/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gcodestream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("gcodestream failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	switch {
	case cliCfg.ShowHelp:
		printDetailedHelp()
		return nil
	case cliCfg.ShowVersion:
		fmt.Printf("%s %s (build %s)\n", appName, Version, BuildTime)
		return nil
	case cliCfg.ListPorts:
		return listPorts()
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration valid", "machine", cfg.Machine, "transport", cfg.Connection.Transport)
		return nil
	}

	if cliCfg.File == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no G-code program given", errors.ErrMissingConfig),
			"main", "run", "argument check")
	}
	lines, err := readProgram(cliCfg.File)
	if err != nil {
		return err
	}
	logger.Info("program loaded", "file", cliCfg.File, "lines", len(lines))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	bus := event.NewBus(event.BusDeps{Machine: cfg.Machine, Logger: logger, Metrics: metrics})
	defer bus.Close()

	console := newConsoleListener(len(lines))
	bus.Register(console)

	bridge := natsbridge.NewBridge(natsbridge.Deps{
		Machine: cfg.Machine,
		Config:  cfg.NATS,
		Logger:  logger,
	})
	if err := bridge.Connect(ctx, cfg.NATS); err != nil {
		logger.Warn("NATS unavailable, continuing without event mirroring", "error", err)
	} else {
		bus.Register(bridge)
		defer bridge.Close()
	}

	comm := communicator.NewCommunicator(communicator.Deps{
		Machine: cfg.Machine,
		Bus:     bus,
		Logger:  logger,
		Metrics: metrics,
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Connection.ConnectTimeout)
	err = comm.Connect(connectCtx, cfg.Connection)
	connectCancel()
	if err != nil {
		return err
	}
	defer comm.Disconnect()

	detector := firmware.NewDetector(firmware.DetectorDeps{
		Prober:  comm,
		Config:  cfg.Detection,
		Logger:  logger,
		Metrics: metrics,
	})
	caps, err := detector.Detect(ctx)
	if err != nil {
		return err
	}
	comm.SetDialect(firmware.DialectFor(caps.Controller))
	fmt.Printf("controller: %s (buffer %d bytes)\n", caps.Controller, caps.BufferSize)

	engine, err := stream.NewEngine(stream.EngineDeps{
		Machine:     cfg.Machine,
		Writer:      comm,
		Capacity:    caps.BufferSize,
		Bus:         bus,
		Logger:      logger,
		Metrics:     metrics,
		HistorySize: cfg.HistorySize,
	})
	if err != nil {
		return err
	}
	if err := stream.RegisterMetrics(registry, engine); err != nil {
		return err
	}
	defer stream.UnregisterMetrics(registry, engine)
	comm.Attach(engine)

	if cfg.Observe.Addr != "" {
		srv := metric.NewServer(cfg.Observe.Addr, "/metrics", registry, func() bool {
			return comm.Health() == nil
		})
		go func() {
			if err := srv.Start(); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Stop()
	}

	if err := engine.Enqueue(lines...); err != nil {
		return err
	}
	engine.Finish()

	interrupted := false
	select {
	case <-engine.Done():
	case <-ctx.Done():
		interrupted = true
		logger.Warn("interrupted, aborting stream")
		if caps.Reset != "" {
			if err := comm.SendRealtime(caps.Reset[0]); err != nil {
				logger.Warn("controller reset failed", "error", err)
			}
		}
		engine.Abort()
		disconnectWithTimeout(comm, cliCfg.ShutdownTimeout, logger)
	}

	p := engine.Snapshot()
	fmt.Printf("\nfinished: %d completed, %d failed of %d lines\n", p.Completed, p.Failed, p.Enqueued)
	logger.Info("stream finished",
		"completed", p.Completed, "failed", p.Failed, "enqueued", p.Enqueued,
		"interrupted", interrupted)

	if !interrupted && p.Failed > 0 {
		return fmt.Errorf("%d commands failed", p.Failed)
	}
	return nil
}

// disconnectWithTimeout bounds the graceful disconnect so a wedged
// transport cannot hold the process open past the shutdown deadline.
// Disconnect is idempotent, so the deferred call after a timed-out attempt
// is harmless.
func disconnectWithTimeout(comm *communicator.Communicator, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		comm.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("shutdown timeout exceeded, abandoning disconnect", "timeout", timeout)
	}
}

// loadConfig merges file configuration with command line overrides.
func loadConfig(cliCfg *CLIConfig) (config.Config, error) {
	cfg := config.DefaultConfig()
	if cliCfg.ConfigPath != "" {
		loaded, err := config.Load(cliCfg.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = *loaded
	}

	if cliCfg.Machine != "" {
		cfg.Machine = cliCfg.Machine
	}
	if cliCfg.Transport != "" {
		cfg.Connection.Transport = cliCfg.Transport
	}
	if cliCfg.Port != "" {
		cfg.Connection.Port = cliCfg.Port
	}
	if cliCfg.Baud != 0 {
		cfg.Connection.BaudRate = cliCfg.Baud
	}
	if cliCfg.Addr != "" {
		switch cfg.Connection.Transport {
		case config.TransportWebsocket:
			cfg.Connection.URL = cliCfg.Addr
		default:
			cfg.Connection.Transport = config.TransportTCP
			cfg.Connection.Addr = cliCfg.Addr
		}
	}
	if cliCfg.NATSURL != "" {
		cfg.NATS.URL = cliCfg.NATSURL
	}
	if cliCfg.MetricsAddr != "" {
		cfg.Observe.Addr = cliCfg.MetricsAddr
	}

	if err := cfg.Connection.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// readProgram loads a G-code file, dropping blank lines and comment-only
// lines. Inline semicolon comments are stripped; parenthesised comments are
// left for the controller, which accepts them.
func readProgram(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "main", "readProgram", "open program")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapInvalid(err, "main", "readProgram", "read program")
	}
	return lines, nil
}

func listPorts() error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
