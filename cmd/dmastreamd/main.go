// dmastream daemon
// Maps the AXI DMA cores through /dev/mem and bridges them to one TCP client at a time.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gobeyondidentity/dmastream/internal/streamd"
	"github.com/gobeyondidentity/dmastream/internal/version"
	"github.com/gobeyondidentity/dmastream/pkg/bridge"
)

var (
	configPath   = flag.String("config", "", "YAML configuration file (optional)")
	listenAddr   = flag.String("listen", "", "Stream listen address (default \":8000\")")
	healthListen = flag.String("health-listen", "", "gRPC health listen address (disabled when empty)")
	mode         = flag.String("mode", "", "Bridge mode: sequential, host-to-device, device-to-host, concurrent")
	devMem       = flag.String("devmem", "", "Physical memory device (default /dev/mem)")
	emulate      = flag.Bool("emulate", false, "Use software DMA cores instead of hardware (development only)")
	logLevel     = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat    = flag.String("log-format", "", "Log format: text, json")

	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dmastreamd version %s\n", version.Version)
		os.Exit(0)
	}

	log.Printf("%s starting...", version.Banner("dmastreamd"))

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Writes to a closed peer must surface as errors, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, os.Stderr)
	cancel()
	if err != nil {
		log.Printf("dmastreamd failed: %v", err)
		os.Exit(1)
	}
	log.Println("dmastreamd stopped")
}

// run maps the hardware, starts the optional health service and serves the
// bridge until ctx is cancelled. Everything it opens is released before it
// returns.
func run(ctx context.Context, cfg *streamd.Config, logOut io.Writer) error {
	logger, err := cfg.NewLogger(logOut)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	hw, err := streamd.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("map DMA hardware: %w", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			logger.Error("release DMA hardware", "error", err)
		}
	}()

	session, err := hw.Session(cfg)
	if err != nil {
		return fmt.Errorf("create bridge session: %w", err)
	}

	opts := []bridge.ServerOption{bridge.WithServerLogger(logger)}
	if cfg.HealthAddr != "" {
		hs, err := startHealthServer(cfg.HealthAddr, logger)
		if err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer hs.Stop()
		opts = append(opts, bridge.WithObserver(hs))
	}

	srv := bridge.NewServer(session, cfg.ServerConfig(), opts...)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig layers defaults, the config file, the environment and flags, in
// that order.
func loadConfig() (*streamd.Config, error) {
	cfg := streamd.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *healthListen != "" {
		cfg.HealthAddr = *healthListen
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *devMem != "" {
		cfg.DevMem = *devMem
	}
	if *emulate {
		cfg.Emulate = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	return cfg, nil
}
