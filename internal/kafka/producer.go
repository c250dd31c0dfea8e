package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-booking/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON events to any topic through one shared writer.
type Producer struct {
	Writer MessageWriter
	log    *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, log)
}

func NewProducerWithWriter(w MessageWriter, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Producer{Writer: w, log: log}
}

// Publish streams value as JSON to topic. Messages with the same key land on the same partition,
// so events for one booking keep their order.
func (p *Producer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	msgBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	err = p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: msgBytes,
	})
	if err != nil {
		p.log.LogKafka("PUBLISH_FAILED", topic, fmt.Sprintf("key %s: %v", key, err))
		return err
	}
	p.log.LogKafka("PUBLISH", topic, fmt.Sprintf("key %s (%d bytes)", key, len(msgBytes)))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
