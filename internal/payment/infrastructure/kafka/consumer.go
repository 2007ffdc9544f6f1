package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
	"github.com/cloudgames/payment-engine/pkg/bus"
	"github.com/cloudgames/payment-engine/pkg/idempotency"
	"github.com/cloudgames/payment-engine/pkg/tracing"
)

// Bridge reads domain events from a topic and feeds the local broker,
// which owns handler retry and dead-lettering. Kafka-level redeliveries
// are dropped through the idempotency store before they reach handlers.
type Bridge struct {
	log    *slog.Logger
	reader *kafka.Reader
	idem   *idempotency.Store
	broker *bus.Broker
	tracer trace.Tracer
}

func NewBridge(log *slog.Logger, brokers []string, topic, group string, idem *idempotency.Store, broker *bus.Broker) *Bridge {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Bridge{
		log:    log,
		reader: r,
		idem:   idem,
		broker: broker,
		tracer: otel.Tracer("payment-event-bridge"),
	}
}

func (b *Bridge) Run(ctx context.Context) error {
	defer b.reader.Close()

	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		key := b.idem.MessageKey(msg.Topic, msg.Partition, msg.Offset)
		seen, err := b.idem.Seen(ctx, key)
		if err != nil {
			b.log.Error("idempotency check failed", "err", err)
			continue
		}
		if seen {
			b.log.Info("duplicate delivery skipped", "key", key)
			_ = b.reader.CommitMessages(ctx, msg)
			continue
		}

		msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
		msgCtx, span := b.tracer.Start(msgCtx, "ConsumePaymentEvent")

		var e domain.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			b.log.Error("unmarshal event failed", "err", err)
			span.End()
			_ = b.reader.CommitMessages(ctx, msg)
			continue
		}

		err = b.broker.Publish(msgCtx, bus.Event{
			ID:          e.ID,
			AggregateID: e.AggregateID,
			Type:        e.Type,
			Payload:     e.Payload,
			OccurredAt:  e.OccurredAt,
		})
		span.End()
		if err != nil {
			// Broker shut down; leave the message uncommitted for the
			// next instance.
			return err
		}

		// Mark only after the commit: an offset redelivered because its
		// commit was lost must be reprocessed, not skipped. Handler-level
		// dedupe absorbs the resulting duplicates.
		if err := b.reader.CommitMessages(ctx, msg); err != nil {
			b.log.Error("commit failed", "key", key, "err", err)
			continue
		}
		if err := b.idem.Mark(ctx, key); err != nil {
			b.log.Warn("mark delivery failed", "key", key, "err", err)
		}
	}
}
