// Command stonedbd runs the StoneDB storage engine as a long-lived
// process: it opens the pool files under the data directory, runs crash
// recovery, and exposes Prometheus metrics until it is signalled to
// stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/stonedb/stonedb/pkg/config"
	"github.com/stonedb/stonedb/pkg/logger"
	"github.com/stonedb/stonedb/pkg/telemetry"
	"github.com/stonedb/stonedb/storage/buffer"
	"github.com/stonedb/stonedb/storage/clog"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stonedbd: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stonedbd: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("stonedbd failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer telShutdown(context.Background())

	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	handler, err := clog.NewDiskHandler(cfg.Storage.WALDir, clog.DiskHandlerOptions{
		MaxEntriesPerFile: cfg.Storage.WALMaxEntriesPerFile,
		MaxBufferBytes:    cfg.Storage.WALBufferBytes,
	}, log, metrics)
	if err != nil {
		return fmt.Errorf("failed to init log handler: %w", err)
	}

	manager, err := buffer.NewBufferPoolManager(cfg.Storage.FrameCapacity, handler, log, metrics)
	if err != nil {
		return fmt.Errorf("failed to init buffer pool manager: %w", err)
	}

	if cfg.Storage.DoubleWriteEnabled {
		err := manager.InitDoubleWriteBuffer(cfg.Storage.DoubleWriteFile, cfg.Storage.DoubleWriteMaxPages)
		if err != nil {
			return fmt.Errorf("failed to init double write buffer: %w", err)
		}
	}

	if err := openPoolFiles(manager, cfg.Storage.DataDir); err != nil {
		return err
	}

	if err := manager.Recover(); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	if err := handler.Start(); err != nil {
		return fmt.Errorf("failed to start log handler: %w", err)
	}
	manager.StartBackgroundWriter(cfg.Storage.BGWriterFlushesPerSecond)

	log.Info("stonedbd is up",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("frame_capacity", cfg.Storage.FrameCapacity),
		zap.Bool("double_write", cfg.Storage.DoubleWriteEnabled))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	return manager.Close()
}

// openPoolFiles opens every .db file in the data directory.
func openPoolFiles(manager *buffer.BufferPoolManager, dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		path := filepath.Join(dataDir, entry.Name())
		if _, err := manager.OpenFile(path); err != nil {
			return fmt.Errorf("failed to open pool file %s: %w", path, err)
		}
	}
	return nil
}
