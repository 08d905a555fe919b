package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Message is a host event as read from Kafka
type Message struct {
	Key   []byte
	Value []byte
	// EntityID is the record key parsed as an entity id, uuid.Nil when the
	// key is missing or is not one
	EntityID  uuid.UUID
	Partition int
	Offset    int64
	// Lag is how many messages of the partition are behind this one
	Lag  int64
	Time time.Time
	Raw  kafka.Message // kept for committing
}

// Reader delivers host events
type Reader interface {
	// Read returns a channel of messages and a channel for a terminal error
	Read(ctx context.Context) (<-chan Message, <-chan error)

	// Commit marks a message as handled
	Commit(ctx context.Context, msg Message) error

	Close() error
}

// ReaderConfig holds Kafka consumer configuration
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// StartOffset applies when the group has no committed offset yet. See
	// ParseStartOffset.
	StartOffset int64
	// MaxWait bounds how long a fetch waits for new events
	MaxWait time.Duration
}

// ParseStartOffset maps "first" and "last" to kafka offsets. A fresh group
// should start at the first event so activations are not missed.
func ParseStartOffset(s string) (int64, error) {
	switch s {
	case "", "first":
		return kafka.FirstOffset, nil
	case "last":
		return kafka.LastOffset, nil
	default:
		return 0, fmt.Errorf("unknown start offset %q", s)
	}
}

// KafkaReader implements Reader using a kafka-go consumer group
type KafkaReader struct {
	reader *kafka.Reader
}

// NewKafkaReader creates a new KafkaReader instance. Events for one entity
// share a key, so they stay ordered within a partition.
func NewKafkaReader(cfg ReaderConfig) *KafkaReader {
	start := cfg.StartOffset
	if start == 0 {
		start = kafka.FirstOffset
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}

	return &KafkaReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			StartOffset: start,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     maxWait,
		}),
	}
}

// Read starts the fetch loop
func (r *KafkaReader) Read(ctx context.Context) (<-chan Message, <-chan error) {
	msgChan := make(chan Message)
	errChan := make(chan error, 1)

	go func() {
		defer close(msgChan)
		defer close(errChan)

		for {
			m, err := r.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errChan <- fmt.Errorf("failed to fetch message: %w", err)
				return
			}

			select {
			case msgChan <- toMessage(m):
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgChan, errChan
}

func toMessage(m kafka.Message) Message {
	msg := Message{
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
		Raw:       m,
	}
	if id, err := uuid.ParseBytes(m.Key); err == nil {
		msg.EntityID = id
	}
	// The high-water mark is the offset of the next message to be written
	if m.HighWaterMark > m.Offset {
		msg.Lag = m.HighWaterMark - m.Offset - 1
	}
	return msg
}

// Commit commits the offset for a message
func (r *KafkaReader) Commit(ctx context.Context, msg Message) error {
	return r.reader.CommitMessages(ctx, msg.Raw)
}

// Close shuts down the consumer
func (r *KafkaReader) Close() error {
	return r.reader.Close()
}
