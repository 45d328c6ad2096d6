package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	kafkaQueueDepth   = 256
	kafkaWriteTimeout = 10 * time.Second
)

// KafkaSink exports events to a Kafka topic. Deliver enqueues without
// blocking; a background writer drains the queue so a slow broker never
// stalls a publish. Events are dropped, with a log line, when the queue is
// full or a write fails.
type KafkaSink struct {
	writer  *kafka.Writer
	queue   chan Event
	done    chan struct{}
	logger  *slog.Logger
	closing sync.Once
}

// Compile-time interface compliance check.
var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates a sink writing to topic on the given brokers and
// starts its writer goroutine.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	sink := &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           kafkaWriteTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		queue:  make(chan Event, kafkaQueueDepth),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "kafka-sink")),
	}

	go sink.run()

	return sink
}

// Deliver enqueues one event for export.
func (s *KafkaSink) Deliver(event Event) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warn("kafka queue full, dropping event",
			slog.Uint64("seq", event.Seq),
			slog.String("kind", event.Kind))
	}
}

// Close stops the writer after draining queued events.
func (s *KafkaSink) Close() error {
	s.closing.Do(func() {
		close(s.queue)
		<-s.done
	})

	return s.writer.Close()
}

func (s *KafkaSink) run() {
	defer close(s.done)

	for event := range s.queue {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("failed to encode event", slog.String("error", err.Error()))

			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
		err = s.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.Kind),
			Value: payload,
		})
		cancel()

		if err != nil {
			s.logger.Error("failed to write event to kafka",
				slog.Uint64("seq", event.Seq),
				slog.String("error", err.Error()))
		}
	}
}
