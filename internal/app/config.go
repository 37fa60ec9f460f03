// Package app — сборка и запуск сервисов саги: выбор хранилищ, проводка
// шины сообщений, HTTP-поверхность метрик и health-проверок.
package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config — настройки запуска сервиса саги. Один тип на обе стороны:
// Security игнорирует семафор, Facade игнорирует окно подтверждения.
type Config struct {
	MetricsAddr string

	StorageDriver string
	PostgresDSN   string
	// AutoMigrate применяет DDL при старте; в бою схему накатывает cmd/migrate.
	AutoMigrate bool

	// RedisAddr пустой — идемпотентность и коды живут в памяти процесса.
	RedisAddr string
	RedisDB   int

	KafkaBrokers  []string
	ConsumerGroup string

	// CloseDelay — окно подтверждения размещённого заказа.
	CloseDelay time.Duration

	// PendingSendsThreshold — порог degraded-статуса по очереди
	// неразрешённых транзакционных отправок.
	PendingSendsThreshold int
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		MetricsAddr:           ":9090",
		StorageDriver:         StorageDriverMemory,
		AutoMigrate:           true,
		RedisDB:               0,
		ConsumerGroup:         "quota-saga",
		CloseDelay:            60 * time.Second,
		PendingSendsThreshold: 100,
	}
}

// FromEnv накладывает переменные окружения QUOTA_* поверх значений по умолчанию.
func FromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("QUOTA_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("QUOTA_STORAGE_DRIVER"); v != "" {
		cfg.StorageDriver = v
	}
	if v := os.Getenv("QUOTA_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
		cfg.StorageDriver = StorageDriverPostgres
	}
	if v := os.Getenv("QUOTA_AUTO_MIGRATE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.AutoMigrate = parsed
		}
	}
	if v := os.Getenv("QUOTA_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("QUOTA_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = parsed
		}
	}
	if v := os.Getenv("QUOTA_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitBrokers(v)
	}
	if v := os.Getenv("QUOTA_CONSUMER_GROUP"); v != "" {
		cfg.ConsumerGroup = v
	}
	if v := os.Getenv("QUOTA_CLOSE_DELAY"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			cfg.CloseDelay = parsed
		}
	}
	if v := os.Getenv("QUOTA_PENDING_SENDS_THRESHOLD"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.PendingSendsThreshold = parsed
		}
	}

	return cfg
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}
