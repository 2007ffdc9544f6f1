package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
	"github.com/cloudgames/payment-engine/pkg/tracing"
)

func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Publisher writes domain events to a topic. Messages are keyed by
// aggregate id, which keeps per-aggregate order inside one partition.
type Publisher struct {
	log    *slog.Logger
	writer *kafka.Writer
	topic  string
}

func NewPublisher(log *slog.Logger, writer *kafka.Writer, topic string) *Publisher {
	return &Publisher{log: log, writer: writer, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, e domain.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(e.AggregateID),
		Value:   value,
		Headers: headers,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("kafka publish failed", "event_id", e.ID, "type", e.Type, "err", err)
		return err
	}
	p.log.Debug("event published", "event_id", e.ID, "type", e.Type)
	return nil
}
