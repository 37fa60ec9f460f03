package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/quota-saga/internal/health"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/quota-saga/internal/metrics"
	"github.com/vladislavdragonenkov/quota-saga/internal/service/stock"
	"github.com/vladislavdragonenkov/quota-saga/internal/storage/memory"
	"github.com/vladislavdragonenkov/quota-saga/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/quota-saga/internal/storage/redis"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
	"github.com/vladislavdragonenkov/quota-saga/internal/version"
)

// RunFacade запускает Facade-сторону: слушатели списания, подтверждения
// и возврата квоты плюс семафор разрешений на вызовы.
func RunFacade(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "facade-app")

	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("kafka brokers are required")
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())

	// Хранилище счётчиков квоты
	var (
		counters domain.StockRepository
		mgr      txn.Manager
	)
	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer func() { _ = store.Close() }()
		if cfg.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		counters = postgres.NewStockRepository(store)
		mgr = txn.NewSQLManager(store.DB(), logger)
		healthHandler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", store, 2*time.Second))
		logger.Info("stock storage: postgres")
	case StorageDriverMemory:
		counters = memory.NewStockRepository()
		mgr = txn.NewMemoryManager(logger)
		logger.Warn("stock storage: in-memory, данные не переживут рестарт")
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	// Идемпотентность и семафор разрешений
	var (
		idem domain.IdempotencyStore
		sem  domain.PermitSemaphore
	)
	if cfg.RedisAddr != "" {
		client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		idem = redisstore.NewIdempotencyStore(client)
		sem = redisstore.NewPermitSemaphore(client)
		healthHandler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", redisPinger{client}, 2*time.Second))
		logger.Info("idempotency store: redis")
	} else {
		idem = memory.NewIdempotencyStore()
		sem = memory.NewPermitSemaphore()
		logger.Warn("idempotency store: in-memory, защита от дублей не переживёт рестарт")
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	bus := kafka.NewBus(producer, logger)
	bus.Start(ctx)
	healthHandler.RegisterChecker("pending-sends", healthcheck.NewPendingChecker(bus, cfg.PendingSendsThreshold))

	sagaMetrics := metrics.NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
	registry := messaging.NewRegistry()
	deductionListener := stock.NewDeductionListener(counters, idem, bus, mgr, logger).WithMetrics(sagaMetrics)
	confirmationListener := stock.NewConfirmationListener(counters, idem, sem, mgr, logger).WithMetrics(sagaMetrics)
	releaseListener := stock.NewReleaseListener(counters, idem, mgr, logger).WithMetrics(sagaMetrics)
	registry.Register(domain.TopicFacadeTransaction, domain.TagStockDeduction, deductionListener.Handle)
	registry.Register(domain.TopicFacadeTransaction, domain.TagStockConfirmation, confirmationListener.Handle)
	registry.Register(domain.TopicFacadeTransaction, domain.TagStockRelease, releaseListener.Handle)

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup+"-facade", registry, producer)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start kafka consumer: %w", err)
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	logger.WithField("brokers", cfg.KafkaBrokers).Info("facade service started")

	<-ctx.Done()
	logger.Info("получен сигнал остановки, останавливаем facade service")

	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("consumer stopped with error")
	}
	shutdownHTTP(metricsSrv, logger)
	return ctx.Err()
}
