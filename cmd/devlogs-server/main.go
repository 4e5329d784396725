package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oicur0t/devlogs/internal/auth"
	"github.com/oicur0t/devlogs/internal/config"
	"github.com/oicur0t/devlogs/internal/device"
	"github.com/oicur0t/devlogs/internal/logs"
	"github.com/oicur0t/devlogs/internal/metrics"
	"github.com/oicur0t/devlogs/internal/ratelimit"
	"github.com/oicur0t/devlogs/internal/server"
	"github.com/oicur0t/devlogs/internal/store"
	"github.com/oicur0t/devlogs/internal/store/lokistore"
	"github.com/oicur0t/devlogs/internal/store/memstore"
	"github.com/oicur0t/devlogs/internal/store/mongostore"
	"github.com/oicur0t/devlogs/pkg/mtls"
	"github.com/oicur0t/devlogs/pkg/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "/etc/devlogs/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadServerConfig(*configPath)
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

	logger.Info("Starting devlogs-server",
		zap.String("listen", cfg.Server.ListenAddress),
		zap.String("store", cfg.Store.Driver))

	// Load device directory
	devices, err := device.Load(cfg.DevicesFile)
	if err != nil {
		logger.Fatal("Failed to load device directory", zap.Error(err))
	}
	logger.Info("Device directory loaded", zap.Int("devices", devices.Len()))

	// Create log store
	client, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create store client", zap.Error(err))
	}

	// Wait for the store before accepting traffic
	readyCfg := retry.DefaultConfig()
	err = retry.Do(context.Background(), readyCfg, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ready(ctx); err != nil {
			logger.Warn("Store not ready", zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		logger.Fatal("Store unavailable", zap.Error(err))
	}

	limiter, closeLimiter := newLimiter(cfg, logger)
	defer closeLimiter()

	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, 24*time.Hour)
	}

	// Create handler
	m := metrics.New("devlogs")
	handler := server.NewHandler(server.HandlerConfig{
		Backend:      logs.NewStoreBackend(client, cfg.Retrieval.MaxHistory, logger),
		Devices:      devices,
		Store:        client,
		Limiter:      limiter,
		Metrics:      m,
		StreamBuffer: cfg.Retrieval.StreamBuffer,
		Logger:       logger,
	})

	// Create router with middleware
	routerCfg := server.RouterConfig{
		Auth:              auth.NewAuthenticator(jwtManager, devices, cfg.UserKeys(), logger),
		RequireClientCert: cfg.MTLS.Enabled && cfg.MTLS.ClientAuth == "require",
		Logger:            logger,
	}
	if cfg.Metrics.Enabled {
		routerCfg.MetricsPath = cfg.Metrics.Path
	}

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Load TLS configuration if mTLS is enabled
	if cfg.MTLS.Enabled {
		clientAuth, err := mtls.ClientAuthType(cfg.MTLS.ClientAuth)
		if err != nil {
			logger.Fatal("Invalid mTLS client auth", zap.Error(err))
		}
		tlsConfig, err := mtls.LoadServerTLSConfig(
			cfg.MTLS.CACert,
			cfg.MTLS.ServerCert,
			cfg.MTLS.ServerKey,
			clientAuth,
		)
		if err != nil {
			logger.Fatal("Failed to load TLS config", zap.Error(err))
		}
		httpServer.TLSConfig = tlsConfig
	}

	// Live streams never end on their own; stop them when shutdown begins.
	httpServer.RegisterOnShutdown(handler.Close)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.ListenAddress))

		if cfg.MTLS.Enabled {
			serverErrors <- httpServer.ListenAndServeTLS("", "") // Certs loaded via TLSConfig
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("Server error", zap.Error(err))

	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

		// Graceful shutdown
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
			httpServer.Close()
		}

		// Close store connection
		if err := client.Close(ctx); err != nil {
			logger.Error("Failed to close store client", zap.Error(err))
		}

		logger.Info("Server stopped gracefully")
	}
}

// openStore creates the store client selected by store.driver.
func openStore(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (store.Client, error) {
	switch cfg.Store.Driver {
	case "loki":
		lc := cfg.Store.Loki
		lokiCfg := lokistore.Config{
			URL:           lc.URL,
			TenantID:      lc.TenantID,
			Timeout:       lc.Timeout,
			QueryLookback: lc.QueryLookback,
		}
		if lc.CACert != "" || lc.ClientCert != "" {
			tlsConfig, err := mtls.LoadClientTLSConfig(lc.CACert, lc.ClientCert, lc.ClientKey, lc.ServerName)
			if err != nil {
				return nil, fmt.Errorf("loki tls: %w", err)
			}
			lokiCfg.TLS = tlsConfig
		}
		c, err := lokistore.New(lokiCfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil

	case "mongodb":
		mc := cfg.Store.MongoDB
		s, err := mongostore.New(ctx, mongostore.Config{
			URI:                mc.URI,
			Database:           mc.Database,
			CollectionPrefix:   mc.CollectionPrefix,
			CertificateKeyFile: mc.CertificateKeyFile,
			Timeout:            mc.Timeout,
			MaxPoolSize:        mc.MaxPoolSize,
			TTLDays:            mc.TTLDays,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "memory":
		logger.Warn("Using the in-memory store; logs are lost on restart")
		return memstore.New(0), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newLimiter builds the read rate limiter and a function releasing it.
func newLimiter(cfg *config.ServerConfig, logger *zap.Logger) (ratelimit.Limiter, func()) {
	rl := cfg.RateLimiting
	if !rl.Enabled {
		return ratelimit.Unlimited{}, func() {}
	}
	if rl.Driver == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     rl.Redis.Addr,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
		})
		logger.Info("Rate limiting with redis", zap.String("addr", rl.Redis.Addr))
		return ratelimit.NewRedis(rdb, rl.RequestsPerWindow, rl.Window), func() { rdb.Close() }
	}
	return ratelimit.NewMemory(rl.RequestsPerWindow, rl.Window, rl.Burst), func() {}
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
