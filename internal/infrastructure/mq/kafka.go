package mq

import (
	"fmt"

	"membershippay/internal/config"

	"github.com/IBM/sarama"
)

// Producer publishes outbox messages to Kafka.
type Producer struct {
	producer sarama.SyncProducer
}

// InitKafka builds a synchronous producer that waits for all in-sync
// replicas before reporting success.
func InitKafka(cfg *config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	kafkaConfig.Version = sarama.V2_1_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducer(producer), nil
}

func NewProducer(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

// Send publishes value under key; messages for one key land on one
// partition, so per-transaction event order is preserved.
func (p *Producer) Send(topic, key, value string, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
