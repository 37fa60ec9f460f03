// Package inmem — внутрипроцессная шина сообщений: синхронная доставка
// обработчикам из таблицы (topic, tag). Служит локальной разработке и
// тестам так же, как in-memory хранилища служат вместо PostgreSQL.
package inmem

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging"
)

type delayedMessage struct {
	msg domain.Message
	due time.Time
}

// Bus — синхронная in-memory реализация MessageBus.
type Bus struct {
	registry *messaging.Registry
	logger   *log.Entry

	mu      sync.Mutex
	sent    []domain.Message
	delayed []delayedMessage
}

// NewBus создаёт шину поверх таблицы обработчиков.
func NewBus(registry *messaging.Registry, logger *log.Entry) *Bus {
	if logger == nil {
		logger = log.WithField("component", "inmem-bus")
	}
	return &Bus{registry: registry, logger: logger}
}

// Send доставляет сообщение обработчику синхронно, в вызывающей горутине.
func (b *Bus) Send(ctx context.Context, msg domain.Message) error {
	b.record(msg)
	return b.dispatch(ctx, msg)
}

// SendDelayed откладывает сообщение до явного вызова DeliverDue.
func (b *Bus) SendDelayed(_ context.Context, msg domain.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.delayed = append(b.delayed, delayedMessage{
		msg: msg,
		due: time.Now().UTC().Add(delay),
	})
	return nil
}

// SendTransactional выполняет local и доставляет msg только после её успеха.
func (b *Bus) SendTransactional(ctx context.Context, msg domain.Message, local domain.LocalTransaction, check domain.TransactionCheck) error {
	if err := local(ctx); err != nil {
		return err
	}
	b.record(msg)
	return b.dispatch(ctx, msg)
}

// DeliverDue доставляет отложенные сообщения, чей срок наступил к now.
// Возвращает число доставленных сообщений.
func (b *Bus) DeliverDue(ctx context.Context, now time.Time) int {
	b.mu.Lock()
	var due []domain.Message
	var remaining []delayedMessage
	for _, entry := range b.delayed {
		if !entry.due.After(now) {
			due = append(due, entry.msg)
		} else {
			remaining = append(remaining, entry)
		}
	}
	b.delayed = remaining
	b.mu.Unlock()

	for _, msg := range due {
		b.record(msg)
		if err := b.dispatch(ctx, msg); err != nil {
			b.logger.WithError(err).WithFields(log.Fields{
				"topic": msg.Topic,
				"tag":   msg.Tag,
			}).Warn("delayed delivery handler failed")
		}
	}
	return len(due)
}

// DelayedCount возвращает число ещё не доставленных отложенных сообщений.
func (b *Bus) DelayedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delayed)
}

// Sent возвращает копию журнала доставленных сообщений.
func (b *Bus) Sent() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Message(nil), b.sent...)
}

func (b *Bus) record(msg domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
}

func (b *Bus) dispatch(ctx context.Context, msg domain.Message) error {
	handler, ok := b.registry.Resolve(msg.Topic, msg.Tag)
	if !ok {
		b.logger.WithFields(log.Fields{
			"topic": msg.Topic,
			"tag":   msg.Tag,
		}).Debug("no handler registered, message recorded only")
		return nil
	}
	return handler(ctx, msg)
}

var _ domain.MessageBus = (*Bus)(nil)
