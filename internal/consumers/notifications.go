package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
	"github.com/cloudgames/payment-engine/pkg/bus"
)

// Deduper remembers which keys were already handled. Handlers check Seen
// before acting and Mark only after the side effect succeeded, so a
// redelivery after a mid-handling failure is retried rather than skipped.
// The redis-backed idempotency store satisfies it in production.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Notification is a user-facing message derived from a payment outcome.
type Notification struct {
	UserID    string
	PaymentID string
	Kind      string
	Message   string
	SentAt    time.Time
}

// NotificationSender delivers a notification. The in-memory sender just
// records it, a real deployment would push to email or mobile.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

type Notifier struct {
	log    *slog.Logger
	sender NotificationSender
	dedupe Deduper
}

func NewNotifier(log *slog.Logger, sender NotificationSender, dedupe Deduper) *Notifier {
	return &Notifier{log: log, sender: sender, dedupe: dedupe}
}

func (n *Notifier) Register(b *bus.Broker) {
	b.Subscribe("notifications", n.handle,
		domain.EventPaymentCompleted, domain.EventPaymentFailed, domain.EventPaymentCancelled)
}

func (n *Notifier) handle(ctx context.Context, e bus.Event) error {
	key := "notify:" + e.ID
	seen, err := n.dedupe.Seen(ctx, key)
	if err != nil {
		return fmt.Errorf("dedupe notification: %w", err)
	}
	if seen {
		n.log.Debug("notification already sent", "event_id", e.ID)
		return nil
	}

	note, err := buildNotification(e)
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, note); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	if err := n.dedupe.Mark(ctx, key); err != nil {
		// The notification went out; an unmarked key risks a duplicate
		// send on redelivery, never a lost one.
		n.log.Warn("mark notification failed", "event_id", e.ID, "err", err)
	}
	n.log.Info("notification sent",
		"user_id", note.UserID, "payment_id", note.PaymentID, "kind", note.Kind)
	return nil
}

func buildNotification(e bus.Event) (Notification, error) {
	switch e.Type {
	case domain.EventPaymentCompleted:
		var p domain.PaymentCompleted
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return Notification{}, fmt.Errorf("decode PaymentCompleted: %w", err)
		}
		return Notification{
			UserID:    p.UserID,
			PaymentID: p.PaymentID,
			Kind:      "payment_completed",
			Message:   fmt.Sprintf("Your purchase of game %s is confirmed.", p.GameID),
			SentAt:    time.Now().UTC(),
		}, nil
	case domain.EventPaymentFailed:
		var p domain.PaymentFailed
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return Notification{}, fmt.Errorf("decode PaymentFailed: %w", err)
		}
		return Notification{
			UserID:    p.UserID,
			PaymentID: p.PaymentID,
			Kind:      "payment_failed",
			Message:   fmt.Sprintf("Your payment for game %s failed: %s", p.GameID, p.Reason),
			SentAt:    time.Now().UTC(),
		}, nil
	case domain.EventPaymentCancelled:
		var p domain.PaymentCancelled
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return Notification{}, fmt.Errorf("decode PaymentCancelled: %w", err)
		}
		return Notification{
			UserID:    p.UserID,
			PaymentID: p.PaymentID,
			Kind:      "payment_cancelled",
			Message:   fmt.Sprintf("Your payment for game %s was cancelled.", p.GameID),
			SentAt:    time.Now().UTC(),
		}, nil
	default:
		return Notification{}, fmt.Errorf("unexpected event type %q", e.Type)
	}
}

// MemorySender keeps sent notifications in memory for tests and local runs.
type MemorySender struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemorySender() *MemorySender { return &MemorySender{} }

func (s *MemorySender) Send(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *MemorySender) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

// MemoryDeduper is a process-local Deduper for tests and single-node runs.
type MemoryDeduper struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{keys: make(map[string]struct{})}
}

func (d *MemoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[key]
	return ok, nil
}

func (d *MemoryDeduper) Mark(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = struct{}{}
	return nil
}
