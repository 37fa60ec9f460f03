// Package kafka — транспорт саги поверх Kafka (IBM/sarama): продюсер с
// тегами в заголовках, транзакционный продюсер с check-callback и
// планировщик отложенной доставки.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// Заголовки сообщений.
const (
	HeaderTag       = "tag"
	HeaderRealTopic = "real-topic"
	HeaderRealTag   = "real-tag"
	HeaderDeliverAt = "deliver-at"
)

// Producer публикует сообщения саги в Kafka.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer создаёт идемпотентный sync-producer.
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // требование идемпотентного продюсера

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// Send публикует сообщение; тег уходит заголовком, ключ — order_sn.
func (p *Producer) Send(_ context.Context, msg domain.Message) error {
	record := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderTag), Value: []byte(msg.Tag)},
		},
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(record)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": msg.Topic,
			"tag":   msg.Tag,
			"key":   msg.Key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     msg.Topic,
		"tag":       msg.Tag,
		"key":       msg.Key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// SendDelayed заворачивает сообщение в конверт очереди отложенной доставки;
// планировщик переопубликует его в реальный топик, когда подойдёт срок.
func (p *Producer) SendDelayed(ctx context.Context, msg domain.Message, delay time.Duration) error {
	deliverAt := time.Now().UTC().Add(delay)
	record := &sarama.ProducerMessage{
		Topic: TopicDelayQueue,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderRealTopic), Value: []byte(msg.Topic)},
			{Key: []byte(HeaderRealTag), Value: []byte(msg.Tag)},
			{Key: []byte(HeaderDeliverAt), Value: []byte(deliverAt.Format(time.RFC3339Nano))},
		},
		Timestamp: time.Now(),
	}

	if _, _, err := p.producer.SendMessage(record); err != nil {
		return fmt.Errorf("send delayed message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":      msg.Topic,
		"tag":        msg.Tag,
		"key":        msg.Key,
		"deliver_at": deliverAt,
	}).Debug("delayed message enqueued")
	return nil
}

// Close закрывает продюсер.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// TopicDelayQueue — входной топик планировщика отложенной доставки.
const TopicDelayQueue = "quantity-usage.delay-queue"
