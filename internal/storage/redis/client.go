// Package redis — key-value-хранилище саги: токены идемпотентности,
// одноразовые проверочные коды и семафор разрешений.
package redis

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

// Open подключается к Redis и проверяет доступность сервера.
func Open(ctx context.Context, addr string, db int) (*rd.Client, error) {
	client := rd.NewClient(&rd.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: defaultDialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
