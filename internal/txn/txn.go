// Package txn — явная граница локальной транзакции с хуками, выполняемыми
// строго после её разрешения. Побочные эффекты «после фиксации» (отправка
// производного сообщения, выдача разрешений) и «после отката» (восстановление
// токена идемпотентности) регистрируются до возврата из fn и никогда не
// выполняются внутри транзакции.
package txn

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Tx накапливает хуки текущей транзакции.
type Tx struct {
	commit   []func()
	rollback []func()
	unknown  []func()
}

// OnCommit регистрирует хук, выполняемый после успешной фиксации.
func (t *Tx) OnCommit(fn func()) { t.commit = append(t.commit, fn) }

// OnRollback регистрирует хук, выполняемый после отката.
func (t *Tx) OnRollback(fn func()) { t.rollback = append(t.rollback, fn) }

// OnUnknown регистрирует хук для неопределённого исхода (например, ошибка
// на Commit, когда сервер мог и применить, и отбросить транзакцию).
func (t *Tx) OnUnknown(fn func()) { t.unknown = append(t.unknown, fn) }

// Manager выполняет fn в границах одной локальной транзакции и затем
// запускает соответствующий исходу набор хуков. Ошибки хуков логируются
// и не распространяются: транзакция уже разрешена, отменить её нельзя.
type Manager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error
}

func fireHooks(hooks []func(), logger *log.Entry, outcome string) {
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(log.Fields{
						"outcome": outcome,
						"panic":   r,
					}).Error("transaction hook panicked")
				}
			}()
			hook()
		}()
	}
}
