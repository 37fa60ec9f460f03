package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	rd "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/quota-saga/internal/health"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/quota-saga/internal/metrics"
	"github.com/vladislavdragonenkov/quota-saga/internal/service/order"
	"github.com/vladislavdragonenkov/quota-saga/internal/storage/memory"
	"github.com/vladislavdragonenkov/quota-saga/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/quota-saga/internal/storage/redis"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
	"github.com/vladislavdragonenkov/quota-saga/internal/version"
)

// RunSecurity запускает Security-сторону: машину состояний заказа,
// слушатели статусных и отложенных сообщений, планировщик delay-очереди.
func RunSecurity(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "security-app")

	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("kafka brokers are required")
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())

	// Хранилище заказов
	var (
		orders domain.OrderRepository
		mgr    txn.Manager
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
		orders = postgres.NewOrderRepository(store)
		mgr = txn.NewSQLManager(store.DB(), logger)
		healthHandler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", store, 2*time.Second))
		logger.Info("order storage: postgres")
	case StorageDriverMemory:
		orders = memory.NewOrderRepository()
		mgr = txn.NewMemoryManager(logger)
		logger.Warn("order storage: in-memory, данные не переживут рестарт")
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	// Идемпотентность и проверочные коды
	var (
		idem  domain.IdempotencyStore
		codes domain.VerificationCodeStore
	)
	if cfg.RedisAddr != "" {
		client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		idem = redisstore.NewIdempotencyStore(client)
		codes = redisstore.NewVerificationCodeStore(client)
		healthHandler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", redisPinger{client}, 2*time.Second))
		logger.Info("idempotency store: redis")
	} else {
		idem = memory.NewIdempotencyStore()
		codes = memory.NewVerificationCodeStore()
		logger.Warn("idempotency store: in-memory, защита от дублей не переживёт рестарт")
	}

	// Шина сообщений
	producer, err := kafka.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	bus := kafka.NewBus(producer, logger)
	bus.Start(ctx)
	healthHandler.RegisterChecker("pending-sends", healthcheck.NewPendingChecker(bus, cfg.PendingSendsThreshold))

	sagaMetrics := metrics.NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
	machine := order.NewStateMachine(orders, idem, codes, bus, mgr, logger).
		WithCloseDelay(cfg.CloseDelay).
		WithMetrics(sagaMetrics)

	registry := messaging.NewRegistry()
	statusListener := order.NewStatusUpdateListener(machine, orders, idem, logger).WithMetrics(sagaMetrics)
	closeListener := order.NewScheduledCloseListener(machine, orders, idem, logger).WithMetrics(sagaMetrics)
	registry.Register(domain.TopicSecurityNormal, domain.TagOrderStatusUpdate, statusListener.Handle)
	registry.Register(domain.TopicSecurityDelay, domain.TagOrderScheduledClose, closeListener.Handle)

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup+"-security", registry, producer)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start kafka consumer: %w", err)
	}

	// Delay-очередь обслуживает Security: отложенные закрытия — её сообщения.
	scheduler, err := kafka.NewDelayScheduler(cfg.KafkaBrokers, cfg.ConsumerGroup+"-delay", producer)
	if err != nil {
		return fmt.Errorf("create delay scheduler: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start delay scheduler: %w", err)
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	logger.WithFields(log.Fields{
		"brokers":     cfg.KafkaBrokers,
		"close_delay": cfg.CloseDelay,
	}).Info("security service started")

	<-ctx.Done()
	logger.Info("получен сигнал остановки, останавливаем security service")

	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("consumer stopped with error")
	}
	if err := scheduler.Stop(); err != nil {
		logger.WithError(err).Warn("delay scheduler stopped with error")
	}
	shutdownHTTP(metricsSrv, logger)
	return ctx.Err()
}

// redisPinger адаптирует redis-клиент к контракту health-проверки.
type redisPinger struct {
	client *rd.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
