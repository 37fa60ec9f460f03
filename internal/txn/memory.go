package txn

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// memoryManager — транзакционная граница для in-memory хранилищ: реальной
// транзакции нет, но контракт хуков сохраняется. Подходит для локальной
// разработки и тестов, где мутации внутри fn либо атомарны сами по себе,
// либо откатываются хуками rollback.
type memoryManager struct {
	logger *log.Entry
}

// NewMemoryManager создаёт менеджер транзакций для in-memory хранилищ.
func NewMemoryManager(logger *log.Entry) Manager {
	if logger == nil {
		logger = log.WithField("component", "txn-memory")
	}
	return &memoryManager{logger: logger}
}

func (m *memoryManager) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	hooks := &Tx{}
	if err := fn(ctx, hooks); err != nil {
		fireHooks(hooks.rollback, m.logger, "rollback")
		return err
	}
	fireHooks(hooks.commit, m.logger, "commit")
	return nil
}

var _ Manager = (*memoryManager)(nil)
