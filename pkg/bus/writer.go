package bus

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Publisher sends keyed messages
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// WriterConfig holds Kafka producer configuration
type WriterConfig struct {
	Brokers []string
	Topic   string
}

// KafkaWriter implements Publisher using kafka-go. Messages are hashed by
// key so per-entity order is preserved.
type KafkaWriter struct {
	writer *kafka.Writer
}

// NewKafkaWriter creates a new KafkaWriter instance
func NewKafkaWriter(cfg WriterConfig) *KafkaWriter {
	return &KafkaWriter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes one message and waits for the broker acknowledgement
func (w *KafkaWriter) Publish(ctx context.Context, key, value []byte) error {
	return w.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

// Close flushes pending writes and shuts down the producer
func (w *KafkaWriter) Close() error {
	return w.writer.Close()
}
