package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openrecords/requestflow/internal/agent"
	"github.com/openrecords/requestflow/internal/agents"
	"github.com/openrecords/requestflow/internal/config"
	"github.com/openrecords/requestflow/internal/events"
	"github.com/openrecords/requestflow/internal/supervisor"
	"github.com/openrecords/requestflow/pkg/adapters/llm"
	"github.com/openrecords/requestflow/pkg/adapters/metrics/prometheus"
	"github.com/openrecords/requestflow/pkg/adapters/sources"
	memorystore "github.com/openrecords/requestflow/pkg/adapters/store/memory"
	redisstore "github.com/openrecords/requestflow/pkg/adapters/store/redis"
	"github.com/openrecords/requestflow/pkg/api/grpc"
	"github.com/openrecords/requestflow/pkg/api/http"
	"github.com/openrecords/requestflow/pkg/api/websocket"
	"github.com/openrecords/requestflow/pkg/ports"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting requestflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	metricsCollector := prometheus.NewCollector()

	// Request store: Redis when enabled, in-memory otherwise
	var store ports.RequestStore
	var closeStore func()
	if cfg.Redis.Enabled {
		client := redisstore.NewClient(redisstore.ClientOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		redisStore := redisstore.NewRequestStore(client, logger)
		if err := redisStore.Ping(context.Background()); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
		store = redisStore
		closeStore = func() {
			if err := client.Close(); err != nil {
				logger.Error("Redis close error", zap.Error(err))
			}
		}
	} else {
		logger.Info("using in-memory request store")
		store = memorystore.NewRequestStore()
		closeStore = func() {}
	}

	classifier, err := llm.NewClassifier(&llm.Config{
		Provider: cfg.Classifier.Provider,
		APIKey:   cfg.Classifier.APIKey,
		Model:    cfg.Classifier.Model,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to create classifier", zap.Error(err))
	}

	documentSource := sources.NewDirectorySource(cfg.DocumentsRoot, logger)
	mailSource := sources.NewStaticMailSource()

	// Event bus
	bus := events.NewBus(events.Config{
		QueueSize:   cfg.Bus.QueueSize,
		HistorySize: cfg.Bus.HistorySize,
		Logger:      logger,
		Metrics:     metricsCollector,
	})

	retry := agent.RetryPolicy{
		MaxRetries:      cfg.Agents.MaxRetries,
		InitialDelay:    cfg.Agents.RetryInitialDelay,
		MaxDelay:        cfg.Agents.RetryMaxDelay,
		ExponentialBase: 2,
		Jitter:          true,
	}

	// Worker agents
	requestMonitor := agents.NewRequestMonitor(agents.RequestMonitorConfig{
		Bus:               bus,
		Store:             store,
		Logger:            logger,
		Metrics:           metricsCollector,
		PollInterval:      cfg.Agents.RequestPollInterval,
		BatchSize:         cfg.Agents.RequestBatchSize,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		Retry:             retry,
	})
	documentRetrieval := agents.NewDocumentRetrieval(agents.DocumentRetrievalConfig{
		Bus:               bus,
		Source:            documentSource,
		Logger:            logger,
		Metrics:           metricsCollector,
		RunInterval:       cfg.Agents.RetrievalRunInterval,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		Retry:             retry,
	})
	emailRetrieval := agents.NewEmailRetrieval(agents.EmailRetrievalConfig{
		Bus:               bus,
		Source:            mailSource,
		Logger:            logger,
		Metrics:           metricsCollector,
		RunInterval:       cfg.Agents.RetrievalRunInterval,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		Retry:             retry,
	})
	classification := agents.NewClassification(agents.ClassificationConfig{
		Bus:               bus,
		Classifier:        classifier,
		Store:             store,
		Logger:            logger,
		Metrics:           metricsCollector,
		RunInterval:       cfg.Agents.ClassificationRunInterval,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		BatchSize:         cfg.Agents.ClassificationBatchSize,
		RatePerMinute:     cfg.Agents.ClassificationRatePerMin,
		Retry:             retry,
	})
	deadlineMonitor := agents.NewDeadlineMonitor(agents.DeadlineMonitorConfig{
		Bus:               bus,
		Store:             store,
		Logger:            logger,
		Metrics:           metricsCollector,
		CheckInterval:     cfg.Agents.DeadlineCheckInterval,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		Retry:             retry,
	})

	sup := supervisor.New(supervisor.Config{
		AutoRestart:         cfg.Supervisor.AutoRestart,
		HealthCheckInterval: cfg.Supervisor.HealthCheckInterval,
		MaxRestartAttempts:  cfg.Supervisor.MaxRestartAttempts,
		RestartCooldown:     cfg.Supervisor.RestartCooldown,
	}, bus, logger, metricsCollector,
		requestMonitor.Agent(),
		documentRetrieval.Agent(),
		emailRetrieval.Agent(),
		classification.Agent(),
		deadlineMonitor.Agent(),
	)

	if err := sup.Initialize(); err != nil {
		logger.Fatal("failed to initialize supervisor", zap.Error(err))
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:       cfg.HTTPPort,
		Supervisor: sup,
		Bus:        bus,
		Logger:     logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(bus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:       cfg.GRPCPort,
		Supervisor: sup,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("requestflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Strings("agents", sup.AgentNames()))

	// Blocks until SIGINT/SIGTERM, then stops all agents and the bus
	if err := sup.RunForever(context.Background(), cfg.Timeouts.AgentStopTimeout); err != nil {
		logger.Error("supervisor exited with error", zap.Error(err))
	}

	// Graceful shutdown of the API surface
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	closeStore()

	logger.Info("requestflow shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
