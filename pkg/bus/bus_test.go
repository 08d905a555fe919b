package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestNewKafkaReader(t *testing.T) {
	r := NewKafkaReader(ReaderConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "player-events",
		GroupID: "playerdata",
	})
	assert.NotNil(t, r.reader)
	assert.Equal(t, "player-events", r.reader.Config().Topic)
	assert.Equal(t, kafka.FirstOffset, r.reader.Config().StartOffset)
	_ = r.Close()
}

func TestParseStartOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", kafka.FirstOffset, false},
		{"first", kafka.FirstOffset, false},
		{"last", kafka.LastOffset, false},
		{"middle", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStartOffset(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToMessage(t *testing.T) {
	id := uuid.New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg := toMessage(kafka.Message{Key: []byte(id.String()), Value: []byte("{}"), Partition: 3, Offset: 10, HighWaterMark: 15, Time: at})
	assert.Equal(t, id, msg.EntityID)
	assert.Equal(t, 3, msg.Partition)
	assert.Equal(t, int64(4), msg.Lag)
	assert.Equal(t, at, msg.Time)
	assert.Equal(t, int64(10), msg.Raw.Offset)

	msg = toMessage(kafka.Message{Key: []byte("not-an-id"), Offset: 7})
	assert.Equal(t, uuid.Nil, msg.EntityID)
	assert.Zero(t, msg.Lag, "unknown high-water mark")
}

func TestReaderStopsOnContext(t *testing.T) {
	r := NewKafkaReader(ReaderConfig{
		Brokers: []string{"localhost:9999"},
		Topic:   "player-events",
		GroupID: "playerdata",
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	msgChan, errChan := r.Read(ctx)

	select {
	case _, ok := <-msgChan:
		assert.False(t, ok, "expected no message from a broker that does not exist")
	case <-errChan:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after context timeout")
	}
}

func TestCommitWithCanceledContext(t *testing.T) {
	r := NewKafkaReader(ReaderConfig{
		Brokers: []string{"localhost:9999"},
		Topic:   "player-events",
		GroupID: "playerdata",
	})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, r.Commit(ctx, Message{Offset: 42}))
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter(WriterConfig{Brokers: []string{"localhost:9092"}, Topic: "player-replies"})
	assert.Equal(t, "player-replies", w.writer.Topic)
	assert.IsType(t, &kafka.Hash{}, w.writer.Balancer)
	assert.NoError(t, w.Close())
}
