package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// KafkaSender publishes messages to a topic for a downstream mailer.
type KafkaSender struct {
	topic    string
	producer sarama.SyncProducer
}

func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	cfg := sarama.NewConfig()

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	// the queue owns retries; keep the producer's own loop short
	cfg.Producer.Retry.Max = 1
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sarama sync producer: %w", err)
	}

	return newKafkaSender(prod, topic), nil
}

func newKafkaSender(producer sarama.SyncProducer, topic string) *KafkaSender {
	return &KafkaSender{topic: topic, producer: producer}
}

func (k *KafkaSender) Close() error {
	return k.producer.Close()
}

func (k *KafkaSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return Permanent(fmt.Errorf("marshal message: %w", err))
	}

	pm := &sarama.ProducerMessage{
		Topic:     k.topic,
		Key:       sarama.StringEncoder(msg.ID),
		Value:     sarama.ByteEncoder(b),
		Timestamp: time.Now(),
	}

	if _, _, err := k.producer.SendMessage(pm); err != nil {
		if errors.Is(err, sarama.ErrMessageSizeTooLarge) || errors.Is(err, sarama.ErrInvalidMessage) {
			return Permanent(fmt.Errorf("send kafka message: %w", err))
		}
		return fmt.Errorf("send kafka message: %w", err)
	}

	return nil
}
