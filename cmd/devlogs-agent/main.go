package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oicur0t/devlogs/internal/config"
	"github.com/oicur0t/devlogs/internal/tailer"
	"github.com/oicur0t/devlogs/pkg/mtls"
	"github.com/oicur0t/devlogs/pkg/retry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "/etc/devlogs/agent.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting devlogs-agent",
		zap.String("device", cfg.DeviceUUID),
		zap.String("server", cfg.Server.URL),
		zap.Int("log_files", len(cfg.LogFiles)))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()

		// Give 30 seconds for graceful shutdown
		time.Sleep(30 * time.Second)
		logger.Error("Forced shutdown after timeout")
		os.Exit(1)
	}()

	// Load mTLS configuration
	var tlsConfig *tls.Config
	if cfg.MTLS.Enabled {
		tlsConfig, err = mtls.LoadClientTLSConfig(
			cfg.MTLS.CACert,
			cfg.MTLS.ClientCert,
			cfg.MTLS.ClientKey,
			cfg.MTLS.ServerName,
		)
		if err != nil {
			logger.Fatal("Failed to load mTLS config", zap.Error(err))
		}
	}

	// Create HTTP client
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Server.MaxRetries
	retryCfg.InitialWait = cfg.Server.RetryBackoff

	client := tailer.NewClient(tailer.ClientConfig{
		ServerURL:  cfg.Server.URL,
		DeviceUUID: cfg.DeviceUUID,
		APIKey:     cfg.APIKey,
		TLS:        tlsConfig,
		Timeout:    cfg.Server.Timeout,
		Retry:      retryCfg,
	}, logger)

	// Create batcher
	batcher := tailer.NewBatcher(
		cfg.Batching.MaxSize,
		cfg.Batching.MaxWait,
		cfg.Batching.QueueSize,
		logger,
		client,
	)

	// Create watcher
	watcher := tailer.NewWatcher(
		cfg.LogFiles,
		tailer.NewLineParser(cfg.JSONParsing.Enabled),
		cfg.StateFile,
		logger,
		batcher.EntryChan(),
	)
	if watcher.Files() == 0 {
		logger.Fatal("No enabled log files configured")
	}

	// Start batcher in background
	batcherDone := make(chan struct{})
	go func() {
		defer close(batcherDone)
		if err := batcher.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Batcher failed", zap.Error(err))
		}
	}()

	// Start watcher (blocks until context is cancelled)
	if err := watcher.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("Watcher failed", zap.Error(err))
		os.Exit(1)
	}
	<-batcherDone

	logger.Info("Agent stopped gracefully")
}

// initLogger creates a configured zap logger
func initLogger(level string, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
