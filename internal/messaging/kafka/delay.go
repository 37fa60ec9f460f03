package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// DelayScheduler читает очередь отложенной доставки и переопубликовывает
// сообщения в реальный топик, когда подходит срок из заголовка deliver-at.
// У брокера нет API отмены сообщения: конечный потребитель сам перечитывает
// состояние и игнорирует устаревшую команду.
type DelayScheduler struct {
	consumer sarama.ConsumerGroup
	producer *Producer
	logger   *log.Entry
	wg       sync.WaitGroup
}

// NewDelayScheduler создаёт планировщик отложенной доставки.
func NewDelayScheduler(brokers []string, groupID string, producer *Producer) (*DelayScheduler, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create delay scheduler consumer: %w", err)
	}

	return &DelayScheduler{
		consumer: consumer,
		producer: producer,
		logger:   log.WithField("component", "delay-scheduler"),
	}, nil
}

// Start запускает планировщик; возвращается сразу.
func (s *DelayScheduler) Start(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.consumer.Consume(ctx, []string{TopicDelayQueue}, s); err != nil {
				s.logger.WithError(err).Error("error from delay scheduler consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for err := range s.consumer.Errors() {
			s.logger.WithError(err).Error("delay scheduler consumer error")
		}
	}()

	s.logger.Info("delay scheduler started")
	return nil
}

// Stop останавливает планировщик.
func (s *DelayScheduler) Stop() error {
	if err := s.consumer.Close(); err != nil {
		return fmt.Errorf("close delay scheduler consumer: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Setup вызывается при старте consumer session.
func (s *DelayScheduler) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup вызывается при завершении consumer session.
func (s *DelayScheduler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim дожидается срока каждого сообщения и переотправляет его.
// Сообщения в partition упорядочены по времени постановки, а задержка у
// всей очереди одна, поэтому ожидание головы не задерживает хвост
// сильнее его собственного срока.
func (s *DelayScheduler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case record := <-claim.Messages():
			if record == nil {
				return nil
			}
			if err := s.deliver(session.Context(), record); err != nil {
				s.logger.WithError(err).WithField("key", string(record.Key)).Error("delayed delivery failed")
				continue
			}
			session.MarkMessage(record, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (s *DelayScheduler) deliver(ctx context.Context, record *sarama.ConsumerMessage) error {
	var realTopic, realTag string
	var deliverAt time.Time
	for _, header := range record.Headers {
		switch string(header.Key) {
		case HeaderRealTopic:
			realTopic = string(header.Value)
		case HeaderRealTag:
			realTag = string(header.Value)
		case HeaderDeliverAt:
			parsed, err := time.Parse(time.RFC3339Nano, string(header.Value))
			if err != nil {
				return fmt.Errorf("parse deliver-at: %w", err)
			}
			deliverAt = parsed
		}
	}
	if realTopic == "" {
		return fmt.Errorf("real-topic header missing")
	}

	if wait := time.Until(deliverAt); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.producer.Send(ctx, domain.Message{
		Topic: realTopic,
		Tag:   realTag,
		Key:   string(record.Key),
		Body:  record.Value,
	})
}
