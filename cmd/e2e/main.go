package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/consumer"
	"safeconsume/internal/consume/coordinator"
	"safeconsume/internal/consume/dedup"
	"safeconsume/internal/consume/inmem"
	"safeconsume/internal/consume/metrics"
	"safeconsume/internal/consume/offsets"
	"safeconsume/internal/consume/tracing"
	"safeconsume/internal/kafka"
	"safeconsume/internal/orders"
)

const (
	brokerMemory = "memory"
	brokerKafka  = "kafka"
)

type Config struct {
	Broker          string        `env:"BROKER" envDefault:"memory"`
	Topic           string        `env:"TOPIC" envDefault:"orders"`
	Partitions      int32         `env:"PARTITIONS" envDefault:"4"`
	EventCount      int           `env:"EVENT_COUNT" envDefault:"100"`
	DuplicateFactor int           `env:"DUPLICATE_FACTOR" envDefault:"2"`
	FailureRate     float64       `env:"FAILURE_RATE" envDefault:"0.1"`
	Rounds          int           `env:"ROUNDS" envDefault:"2"`
	RoundTimeout    time.Duration `env:"ROUND_TIMEOUT" envDefault:"60s"`
	Profile         bool          `env:"PROFILE" envDefault:"false"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

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

	if cfg.Profile {
		stop, err := startProfiling()
		if err != nil {
			log.Fatalf("could not start profiling: %v", err)
		}
		defer stop()
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	now := time.Now()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("e2e run failed", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds\n", time.Since(now).Seconds())
}

// environment is the broker side of a run: a way to publish and a way to
// build a fresh group member per round.
type environment struct {
	publish   func(ctx context.Context, key string, value []byte) error
	newBroker func() (consume.Broker, error)
	close     func()
}

func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	registry := metrics.NewRegistry()
	registry.SetSystemInfo("e2e-test", time.Now().Format(time.RFC3339))

	metricsServer := metrics.NewServer(cfg.Metrics, registry, logger, nil)
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

	logger.Info("metrics server started",
		zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port)),
	)

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

	envr, err := newEnvironment(cfg, logger)
	if err != nil {
		return err
	}
	defer envr.close()

	// the guard outlives every round, as a shared store would
	baseGuard, err := dedup.Open(ctx, cfg.Dedup, cfg.Kafka.Group)
	if err != nil {
		return fmt.Errorf("failed to open dedup guard: %w", err)
	}
	guard := dedup.NewTracedGuard(dedup.NewMetricsGuard(baseGuard, registry), tracer)
	defer guard.Close()

	ledger := orders.NewLedger()
	var handler consume.Handler = orders.NewHandler(ledger, logger)
	handler = flaky(handler, cfg.FailureRate)
	handler = consumer.NewTracedHandler(handler, tracer)

	expected := 0
	for round := 1; round <= cfg.Rounds; round++ {
		batch := orders.Generate(cfg.EventCount)
		if err := publish(ctx, envr, batch, cfg.DuplicateFactor); err != nil {
			return err
		}
		expected += len(batch)
		logger.Info("published orders",
			zap.Int("round", round),
			zap.Int("orders", len(batch)),
			zap.Int("messages", len(batch)*max(cfg.DuplicateFactor, 1)),
		)

		if err := consumeRound(ctx, cfg, logger, envr, registry, tracer, guard, handler, ledger, expected); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		logger.Info("round complete", zap.Int("round", round), zap.Int("applied", ledger.Len()))
	}

	if dups := ledger.Duplicates(); len(dups) > 0 {
		return fmt.Errorf("%d orders applied more than once, first %s", len(dups), dups[0])
	}
	if ledger.Len() != expected {
		return fmt.Errorf("applied %d distinct orders, want %d", ledger.Len(), expected)
	}

	logger.Info("every order applied exactly once", zap.Int("orders", expected))
	return nil
}

// consumeRound runs one consumer until the ledger holds expected orders,
// then stops it so the next round resumes from committed offsets.
func consumeRound(
	ctx context.Context,
	cfg Config,
	logger *zap.Logger,
	envr *environment,
	registry *metrics.Registry,
	tracer *tracing.Tracer,
	guard consume.DedupGuard,
	handler consume.Handler,
	ledger *orders.Ledger,
	expected int,
) error {
	baseBroker, err := envr.newBroker()
	if err != nil {
		return err
	}
	broker := kafka.NewTracedBroker(kafka.NewMetricsBroker(baseBroker, registry), tracer)

	store, err := offsets.NewStore(broker, logger)
	if err != nil {
		return fmt.Errorf("failed to create offset store: %w", err)
	}
	coord, err := coordinator.NewCoordinator(store, registry, logger, cfg.Coordinator)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	c, err := consumer.NewConsumer(broker, coord, store, guard, handler, registry, logger, cfg.Consumer)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	c.OnFatal(func(fe *consume.FatalError) {
		logger.Error("partition halted", zap.Stringer("partition", fe.Partition), zap.Int64("offset", fe.Offset), zap.Error(fe.Err))
	})

	runCtx, cancel := context.WithTimeout(ctx, cfg.RoundTimeout)
	defer cancel()

	done := errors.New("round done")
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	g.Go(func() error {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-tick.C:
				if ledger.Len() >= expected {
					return done
				}
			}
		}
	})

	err = g.Wait()
	switch {
	case errors.Is(err, done):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("timed out with %d of %d orders applied", ledger.Len(), expected)
	default:
		return err
	}
}

func publish(ctx context.Context, envr *environment, batch []orders.Order, factor int) error {
	for i := 0; i < max(factor, 1); i++ {
		for _, o := range batch {
			value, err := o.Encode()
			if err != nil {
				return err
			}
			if err := envr.publish(ctx, o.OrderID, value); err != nil {
				return fmt.Errorf("failed to publish order %s: %w", o.OrderID, err)
			}
		}
	}
	return nil
}

func newEnvironment(cfg Config, logger *zap.Logger) (*environment, error) {
	switch cfg.Broker {
	case brokerMemory:
		cluster := inmem.NewCluster()
		cluster.CreateTopic(cfg.Topic, cfg.Partitions)
		return &environment{
			publish: func(_ context.Context, key string, value []byte) error {
				_, err := cluster.Produce(cfg.Topic, key, value, nil)
				return err
			},
			newBroker: func() (consume.Broker, error) {
				return cluster.NewBroker(inmem.BrokerConfig{
					Group:          cfg.Kafka.Group,
					Topics:         []string{cfg.Topic},
					MaxPollRecords: cfg.Kafka.MaxPollRecords,
				}), nil
			},
			close: func() {},
		}, nil

	case brokerKafka:
		producer, err := kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create producer: %w", err)
		}
		return &environment{
			publish: func(ctx context.Context, key string, value []byte) error {
				return producer.Produce(ctx, cfg.Topic, key, value, nil)
			},
			newBroker: func() (consume.Broker, error) {
				client, err := kafka.NewClient(cfg.Kafka, logger)
				if err != nil {
					return nil, fmt.Errorf("failed to create kafka client: %w", err)
				}
				return client, nil
			},
			close: producer.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// flaky fails a share of attempts with a recoverable error.
func flaky(next consume.Handler, rate float64) consume.Handler {
	if rate <= 0 {
		return next
	}
	return consume.HandlerFunc(func(ctx context.Context, msg consume.Message) error {
		if rand.Float64() < rate {
			return consume.Recoverable(fmt.Errorf("injected failure at %s@%d", msg.PartitionKey(), msg.Offset))
		}
		return next.Handle(ctx, msg)
	})
}

func startProfiling() (func(), error) {
	cpuProfile, err := os.Create("cpu.pprof")
	if err != nil {
		return nil, fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		cpuProfile.Close()
		return nil, fmt.Errorf("could not start CPU profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()
		cpuProfile.Close()

		memProfile, err := os.Create("mem.pprof")
		if err != nil {
			log.Printf("could not create memory profile: %v", err)
			return
		}
		defer memProfile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfile); err != nil {
			log.Printf("could not write memory profile: %v", err)
		}
	}, nil
}
