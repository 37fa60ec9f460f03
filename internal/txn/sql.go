package txn

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
)

type ctxKey struct{}

// Querier — общий срез database/sql, который умеют и *sql.DB, и *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// From возвращает транзакцию из контекста либо fallback, если границы
// транзакции нет. Репозитории всегда ходят в базу через From.
func From(ctx context.Context, fallback Querier) Querier {
	if tx, ok := ctx.Value(ctxKey{}).(*sql.Tx); ok {
		return tx
	}
	return fallback
}

// sqlManager реализует Manager поверх database/sql.
type sqlManager struct {
	db     *sql.DB
	logger *log.Entry
}

// NewSQLManager создаёт менеджер транзакций для реляционного хранилища.
func NewSQLManager(db *sql.DB, logger *log.Entry) Manager {
	if logger == nil {
		logger = log.WithField("component", "txn")
	}
	return &sqlManager{db: db, logger: logger}
}

func (m *sqlManager) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	dbTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	hooks := &Tx{}
	txCtx := context.WithValue(ctx, ctxKey{}, dbTx)

	if err := fn(txCtx, hooks); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			m.logger.WithError(rbErr).Error("rollback failed, transaction outcome unknown")
			fireHooks(hooks.unknown, m.logger, "unknown")
			return err
		}
		fireHooks(hooks.rollback, m.logger, "rollback")
		return err
	}

	if err := dbTx.Commit(); err != nil {
		// Ошибка фиксации: сервер мог и применить транзакцию; гадать нельзя.
		m.logger.WithError(err).Error("commit failed, transaction outcome unknown")
		fireHooks(hooks.unknown, m.logger, "unknown")
		return fmt.Errorf("commit tx: %w", err)
	}

	fireHooks(hooks.commit, m.logger, "commit")
	return nil
}

var _ Manager = (*sqlManager)(nil)
