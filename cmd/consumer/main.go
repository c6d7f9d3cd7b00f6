package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"safeconsume/internal/consume/consumer"
	"safeconsume/internal/consume/coordinator"
	"safeconsume/internal/consume/dedup"
	"safeconsume/internal/consume/metrics"
	"safeconsume/internal/consume/offsets"
	"safeconsume/internal/consume/tracing"
	"safeconsume/internal/kafka"
	"safeconsume/internal/orders"
)

type Config struct {
	LogLevel    string               `env:"LOG_LEVEL" envDefault:"info"`
	Version     string               `env:"VERSION" envDefault:"dev"`
	Kafka       kafka.Config         `envPrefix:"KAFKA_"`
	Dedup       dedup.Config         `envPrefix:"DEDUP_"`
	Consumer    consumer.Config      `envPrefix:"CONSUMER_"`
	Coordinator coordinator.Config   `envPrefix:"COORDINATOR_"`
	Metrics     metrics.ServerConfig `envPrefix:"METRICS_"`
	Tracing     tracing.Config       `envPrefix:"TRACING_"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	registry := metrics.NewRegistry()
	registry.SetSystemInfo(cfg.Version, time.Now().Format(time.RFC3339))

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	minRetention := cfg.Kafka.SessionTimeout + cfg.Kafka.RebalanceTimeout + cfg.Consumer.Retry.MaxBackoff()
	if cfg.Dedup.Retention < minRetention {
		logger.Warn("dedup retention is shorter than the redelivery window, duplicates may slip through",
			zap.Duration("retention", cfg.Dedup.Retention),
			zap.Duration("minimum", minRetention),
		)
	}
	if cfg.Dedup.ClaimTTL > 0 && cfg.Dedup.ClaimTTL < cfg.Consumer.HandlerTimeout {
		logger.Warn("dedup claim ttl is shorter than the handler timeout, a slow handler may lose its claim",
			zap.Duration("claimTTL", cfg.Dedup.ClaimTTL),
			zap.Duration("handlerTimeout", cfg.Consumer.HandlerTimeout),
		)
	}
	if cfg.Dedup.ClaimTTL > 0 && cfg.Consumer.ClaimWait <= cfg.Dedup.ClaimTTL {
		logger.Warn("claim wait does not outlast the claim ttl, a crashed instance's claim halts the partition",
			zap.Duration("claimWait", cfg.Consumer.ClaimWait),
			zap.Duration("claimTTL", cfg.Dedup.ClaimTTL),
		)
	}

	baseGuard, err := dedup.Open(ctx, cfg.Dedup, cfg.Kafka.Group)
	if err != nil {
		return fmt.Errorf("failed to open dedup guard: %w", err)
	}
	guard := dedup.NewTracedGuard(dedup.NewMetricsGuard(baseGuard, registry), tracer)
	defer guard.Close()

	client, err := kafka.NewClient(cfg.Kafka, logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Ping(pingCtx)
	pingCancel()
	if err != nil {
		const errMsg = "kafka brokers unreachable"
		logger.Error(errMsg, zap.Strings("brokers", cfg.Kafka.Brokers), zap.Error(err))
		_ = client.Close()
		return fmt.Errorf(errMsg+": %w", err)
	}
	broker := kafka.NewTracedBroker(kafka.NewMetricsBroker(client, registry), tracer)

	store, err := offsets.NewStore(broker, logger)
	if err != nil {
		return fmt.Errorf("failed to create offset store: %w", err)
	}

	coord, err := coordinator.NewCoordinator(store, registry, logger, cfg.Coordinator)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	handler := consumer.NewTracedHandler(orders.NewHandler(orders.NewLedger(), logger), tracer)

	c, err := consumer.NewConsumer(broker, coord, store, guard, handler, registry, logger, cfg.Consumer)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.Metrics, registry, logger, c.Ready)
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", zap.Error(err))
		}
	}()

	logger.Info("consumer starting",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.Group),
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.String("dedupBackend", cfg.Dedup.Backend),
		zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
	)

	return c.Run(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", level, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build(zap.AddCaller())
}
