package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/point-verif/internal/adapter/sink"
	"github.com/couchcryptid/point-verif/internal/config"
	"github.com/couchcryptid/point-verif/internal/domain"
)

const (
	publishAttempts = 3
	initialBackoff  = 200 * time.Millisecond
	maxBackoff      = 5 * time.Second
)

// messageWriter is the subset of kafkago.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces verification results to a Kafka topic, one message per
// score table. It implements pipeline.Sink for kafka:// destinations.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
	logger       *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured brokers. The
// topic comes from the destination, or KAFKA_RESULT_TOPIC when it names none.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, defaultTopic: cfg.KafkaResultTopic, logger: logger}
}

// TableMessage is the value of one published message.
type TableMessage struct {
	RunID      string            `json:"run_id"`
	Table      string            `json:"table"`
	Attributes domain.Attributes `json:"attributes"`
	Rows       domain.ScoreTable `json:"rows"`
}

// Persist publishes every score table of res in a single WriteMessages call,
// retrying transient failures with exponential backoff.
func (p *Publisher) Persist(ctx context.Context, res *domain.VerificationResult, dest string) error {
	topic := sink.Target(dest)
	if topic == "" {
		topic = p.defaultTopic
	}
	msgs, err := serializeResult(res, topic)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err = p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			p.logger.Info("result published", "topic", topic, "messages", len(msgs), "run_id", res.Attributes.RunID)
			return nil
		}
		if attempt >= publishAttempts || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		p.logger.Warn("kafka publish failed, retrying",
			"topic", topic,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if !retry.SleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = retry.NextBackoff(backoff, maxBackoff)
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeResult marshals each score table of res into a Kafka message keyed
// by run ID, in table-name order.
func serializeResult(res *domain.VerificationResult, topic string) ([]kafkago.Message, error) {
	attrs := res.Attributes
	msgs := make([]kafkago.Message, 0, len(res.Tables))
	for _, name := range res.TableNames() {
		data, err := json.Marshal(TableMessage{
			RunID:      attrs.RunID,
			Table:      name,
			Attributes: attrs,
			Rows:       res.Tables[name],
		})
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", name, err)
		}
		msgs = append(msgs, kafkago.Message{
			Topic: topic,
			Key:   []byte(attrs.RunID),
			Value: data,
			Headers: []kafkago.Header{
				{Key: "table", Value: []byte(name)},
				{Key: "parameter", Value: []byte(attrs.Parameter)},
				{Key: "created_at", Value: []byte(attrs.CreatedAt.UTC().Format(time.RFC3339))},
			},
		})
	}
	return msgs, nil
}
