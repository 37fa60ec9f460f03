package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging"
)

const (
	defaultMaxRetries = 3
	retryBaseDelay    = 100 * time.Millisecond
)

// Consumer читает топики consumer-group и раздаёт сообщения обработчикам
// из таблицы (topic, tag). Обработчики синхронные: ошибка после всех retry
// уводит сообщение в DLQ (если продюсер задан) либо оставляет его
// незафиксированным для redelivery.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	registry    *messaging.Registry
	topics      []string
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	maxRetries  int
}

// NewConsumer создаёт consumer-group поверх таблицы обработчиков.
func NewConsumer(brokers []string, groupID string, registry *messaging.Registry, dlqProducer *Producer) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		registry:    registry,
		topics:      registry.Topics(),
		logger:      log.WithField("component", "kafka-consumer").WithField("group", groupID),
		dlqProducer: dlqProducer,
		maxRetries:  defaultMaxRetries,
	}, nil
}

// Start запускает чтение топиков; возвращается сразу.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume вызывается в цикле: при rebalance он завершается.
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer и дожидается горутин.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup вызывается при завершении consumer session.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения partition.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case record := <-claim.Messages():
			if record == nil {
				return nil
			}

			msg := decodeRecord(record)
			if err := c.handleWithRetry(session.Context(), msg); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic": msg.Topic,
					"tag":   msg.Tag,
					"key":   msg.Key,
				}).Error("message processing failed after all retries")
				// Не фиксируем offset: брокер доставит сообщение повторно.
				continue
			}
			session.MarkMessage(record, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg domain.Message) error {
	handler, ok := c.registry.Resolve(msg.Topic, msg.Tag)
	if !ok {
		// Чужой тег в подписанном топике — фиксируем и идём дальше.
		c.logger.WithFields(log.Fields{
			"topic": msg.Topic,
			"tag":   msg.Tag,
		}).Debug("no handler registered, skipping")
		return nil
	}

	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":   msg.Topic,
			"tag":     msg.Tag,
			"key":     msg.Key,
			"attempt": attempt + 1,
		}).Warn("message processing failed, will retry")

		select {
		case <-time.After(retryBaseDelay * time.Duration(1<<uint(attempt))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.dlqProducer != nil {
		if dlqErr := c.sendToDLQ(ctx, msg, err); dlqErr != nil {
			return fmt.Errorf("send to DLQ: %w", dlqErr)
		}
		c.logger.WithFields(log.Fields{
			"topic": msg.Topic,
			"tag":   msg.Tag,
			"key":   msg.Key,
		}).Info("message sent to DLQ after max retries")
		return nil
	}
	return err
}

func (c *Consumer) sendToDLQ(ctx context.Context, msg domain.Message, processingErr error) error {
	return c.dlqProducer.Send(ctx, domain.Message{
		Topic: domain.TopicDeadLetter,
		Tag:   msg.Topic + "/" + msg.Tag,
		Key:   msg.Key,
		Body:  msg.Body,
	})
}

func decodeRecord(record *sarama.ConsumerMessage) domain.Message {
	msg := domain.Message{
		Topic: record.Topic,
		Key:   string(record.Key),
		Body:  record.Value,
	}
	for _, header := range record.Headers {
		if string(header.Key) == HeaderTag {
			msg.Tag = string(header.Value)
		}
	}
	return msg
}
