package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultPublishTimeout bounds a single Publish call.
const DefaultPublishTimeout = 2 * time.Second

// KafkaPublisher writes each event as a JSON envelope keyed by event name.
type KafkaPublisher struct {
	writer  MessageWriter
	topic   string
	logger  zerolog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewKafkaPublisher builds a publisher over an async kafka.Writer. Delivery
// failures are reported through the writer's Completion hook and logged.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		AllowAutoTopicCreation: true,
	}
	p := NewKafkaPublisherWithWriter(w, topic, logger)
	w.Completion = p.completion
	return p
}

// NewKafkaPublisherWithWriter is used when the writer is owned elsewhere.
func NewKafkaPublisherWithWriter(w MessageWriter, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		topic:   topic,
		logger:  logger.With().Str("component", "kafka_publisher").Str("topic", topic).Logger(),
		now:     time.Now,
		timeout: DefaultPublishTimeout,
	}
}

func (p *KafkaPublisher) completion(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, string(m.Key))
	}
	p.logger.Warn().Err(err).Strs("events", keys).Msg("kafka delivery failed")
}

// Publish hands one message to the writer, waiting at most the publish
// timeout.
func (p *KafkaPublisher) Publish(ctx context.Context, event string, payload any) error {
	at := p.now()
	_, raw, err := encode(event, payload, at)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg := kafka.Message{
		Key:   []byte(event),
		Value: raw,
		Time:  at,
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	p.logger.Debug().Str("event", event).Msg("event published")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
