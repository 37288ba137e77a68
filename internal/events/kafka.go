package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka publishes job events as JSON keyed by job id, so all events
// for one job land on the same partition in order.
//
// The writer is asynchronous: Publish only enqueues, and delivery
// failures are logged from the completion callback. A slow or absent
// broker therefore never blocks the pipeline.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			MaxAttempts:            3,
			AllowAutoTopicCreation: true,
			Async:                  true,
			Completion: func(messages []kafka.Message, err error) {
				if err == nil {
					return
				}
				logger.Warn("publish job events failed",
					"topic", topic,
					"count", len(messages),
					"error", err,
				)
			},
		},
	}
}

func (k *Kafka) Publish(ctx context.Context, ev JobEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.JobID),
		Value: payload,
		Time:  ev.At,
	})
}

// Close flushes queued events and waits for their delivery attempts.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
