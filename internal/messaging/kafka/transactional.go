package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

const (
	defaultResolveAfter  = 10 * time.Second
	defaultCheckInterval = 5 * time.Second
)

// Sender — минимальный контракт публикации (для подмены в тестах).
type Sender interface {
	Send(ctx context.Context, msg domain.Message) error
}

type pendingSend struct {
	msg     domain.Message
	check   domain.TransactionCheck
	addedAt time.Time
}

// TransactionalProducer публикует сообщение, только если спаренная с ним
// локальная транзакция зафиксирована. Отправки, чей исход остался
// неоднозначным (транзакция зафиксирована, публикация не подтвердилась),
// попадают в реестр незавершённых; фоновая проверка заново выводит
// commit/rollback из долговечного состояния через check-callback вызывающего.
type TransactionalProducer struct {
	sender Sender
	logger *log.Entry

	mu      sync.Mutex
	pending map[string]*pendingSend

	resolveAfter  time.Duration
	checkInterval time.Duration
}

// NewTransactionalProducer создаёт транзакционный продюсер поверх sender.
func NewTransactionalProducer(sender Sender, logger *log.Entry) *TransactionalProducer {
	if logger == nil {
		logger = log.WithField("component", "txn-producer")
	}
	return &TransactionalProducer{
		sender:        sender,
		logger:        logger,
		pending:       make(map[string]*pendingSend),
		resolveAfter:  defaultResolveAfter,
		checkInterval: defaultCheckInterval,
	}
}

// SendTransactional выполняет local и публикует msg только после её фиксации.
// Ошибка local откатывает отправку целиком; ошибка публикации после фиксации
// не возвращается вызывающему — доставку завершит фоновая проверка.
func (t *TransactionalProducer) SendTransactional(ctx context.Context, msg domain.Message, local domain.LocalTransaction, check domain.TransactionCheck) error {
	id := uuid.NewString()
	t.track(id, msg, check)

	if err := local(ctx); err != nil {
		t.untrack(id)
		return fmt.Errorf("local transaction: %w", err)
	}

	if err := t.sender.Send(ctx, msg); err != nil {
		t.logger.WithError(err).WithFields(log.Fields{
			"topic": msg.Topic,
			"tag":   msg.Tag,
			"key":   msg.Key,
		}).Warn("publish failed after commit, left for transaction check")
		return nil
	}

	t.untrack(id)
	return nil
}

// Start запускает фоновую проверку незавершённых отправок.
func (t *TransactionalProducer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.resolvePending(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *TransactionalProducer) track(id string, msg domain.Message, check domain.TransactionCheck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = &pendingSend{msg: msg, check: check, addedAt: time.Now()}
}

func (t *TransactionalProducer) untrack(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// resolvePending опрашивает check-callback по каждой зависшей отправке.
func (t *TransactionalProducer) resolvePending(ctx context.Context) {
	t.mu.Lock()
	due := make(map[string]*pendingSend)
	for id, entry := range t.pending {
		if time.Since(entry.addedAt) >= t.resolveAfter {
			due[id] = entry
		}
	}
	t.mu.Unlock()

	for id, entry := range due {
		fields := log.Fields{
			"topic": entry.msg.Topic,
			"tag":   entry.msg.Tag,
			"key":   entry.msg.Key,
		}
		switch entry.check(ctx) {
		case domain.TxCommit:
			if err := t.sender.Send(ctx, entry.msg); err != nil {
				t.logger.WithError(err).WithFields(fields).Warn("re-publish of committed message failed")
				continue
			}
			t.logger.WithFields(fields).Info("pending transactional message re-published")
			t.untrack(id)
		case domain.TxRollback:
			t.logger.WithFields(fields).Info("pending transactional message dropped after rollback")
			t.untrack(id)
		case domain.TxUnknown:
			// Исход неопределим; гадать нельзя — оставляем оператору.
			t.logger.WithFields(fields).Error("transaction check returned UNKNOWN, manual intervention required")
			t.untrack(id)
		}
	}
}

// PendingCount возвращает число незавершённых отправок (для метрик и тестов).
func (t *TransactionalProducer) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
