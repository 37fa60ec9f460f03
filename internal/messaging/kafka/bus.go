package kafka

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// Bus собирает продюсеров в единую шину сообщений саги.
type Bus struct {
	producer    *Producer
	txnProducer *TransactionalProducer
}

// NewBus создаёт шину поверх продюсера.
func NewBus(producer *Producer, logger *log.Entry) *Bus {
	return &Bus{
		producer:    producer,
		txnProducer: NewTransactionalProducer(producer, logger),
	}
}

// Start запускает фоновую проверку транзакционных отправок.
func (b *Bus) Start(ctx context.Context) {
	b.txnProducer.Start(ctx)
}

// Send публикует обычное сообщение.
func (b *Bus) Send(ctx context.Context, msg domain.Message) error {
	return b.producer.Send(ctx, msg)
}

// SendDelayed публикует сообщение с отложенной доставкой.
func (b *Bus) SendDelayed(ctx context.Context, msg domain.Message, delay time.Duration) error {
	return b.producer.SendDelayed(ctx, msg, delay)
}

// PendingCount возвращает число неразрешённых транзакционных отправок.
func (b *Bus) PendingCount() int {
	return b.txnProducer.PendingCount()
}

// SendTransactional публикует сообщение, спаренное с локальной транзакцией.
func (b *Bus) SendTransactional(ctx context.Context, msg domain.Message, local domain.LocalTransaction, check domain.TransactionCheck) error {
	return b.txnProducer.SendTransactional(ctx, msg, local, check)
}

var _ domain.MessageBus = (*Bus)(nil)
