package postgres

import (
	"context"
	"fmt"
	"time"
)

// Ключ advisory-блокировки, чтобы схему накатывал только один процесс.
const schemaLockKey = int64(20470113)

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS quantity_usage_order (
		id TEXT PRIMARY KEY,
		order_sn TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		account_id BIGINT NOT NULL,
		digest_id BIGINT NOT NULL,
		usage_id TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		order_status SMALLINT NOT NULL DEFAULT 0,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		create_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		update_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_quantity_usage_order_sn UNIQUE (order_sn)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quantity_usage_order_account
		ON quantity_usage_order (account_id, create_time DESC)`,
	`CREATE TABLE IF NOT EXISTS quantity_usage_stock (
		usage_id TEXT PRIMARY KEY,
		account_id BIGINT NOT NULL,
		digest_id BIGINT NOT NULL,
		total BIGINT NOT NULL DEFAULT 0,
		failure BIGINT NOT NULL DEFAULT 0,
		stock BIGINT NOT NULL DEFAULT 0,
		usage_status SMALLINT NOT NULL DEFAULT 0,
		create_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		update_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_quantity_usage_stock_pair UNIQUE (account_id, digest_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quantity_usage_stock_digest
		ON quantity_usage_stock (digest_id)`,
}

// EnsureSchema применяет DDL таблиц саги под advisory-блокировкой.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	for _, ddl := range schemaDDL {
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
