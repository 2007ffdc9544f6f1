package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
	"github.com/cloudgames/payment-engine/pkg/bus"
)

// AnalyticsSnapshot is a point-in-time view of the running counters.
type AnalyticsSnapshot struct {
	CompletedPayments int
	FailedPayments    int
	TotalRevenue      decimal.Decimal
	RevenueByGame     map[string]decimal.Decimal
}

// Analytics tallies revenue from completed payments and failure counts.
// Counters are deduplicated per event ID so redelivery never double-counts.
type Analytics struct {
	log    *slog.Logger
	dedupe Deduper

	mu        sync.Mutex
	completed int
	failed    int
	revenue   decimal.Decimal
	byGame    map[string]decimal.Decimal
}

func NewAnalytics(log *slog.Logger, dedupe Deduper) *Analytics {
	return &Analytics{
		log:    log,
		dedupe: dedupe,
		byGame: make(map[string]decimal.Decimal),
	}
}

func (a *Analytics) Register(b *bus.Broker) {
	b.Subscribe("analytics", a.handle,
		domain.EventPaymentCompleted, domain.EventPaymentFailed)
}

func (a *Analytics) handle(ctx context.Context, e bus.Event) error {
	key := "analytics:" + e.ID
	seen, err := a.dedupe.Seen(ctx, key)
	if err != nil {
		return fmt.Errorf("dedupe analytics: %w", err)
	}
	if seen {
		a.log.Debug("analytics event already counted", "event_id", e.ID)
		return nil
	}

	switch e.Type {
	case domain.EventPaymentCompleted:
		var p domain.PaymentCompleted
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode PaymentCompleted: %w", err)
		}
		a.mu.Lock()
		a.completed++
		a.revenue = a.revenue.Add(p.Amount)
		a.byGame[p.GameID] = a.byGame[p.GameID].Add(p.Amount)
		a.mu.Unlock()
		a.log.Info("revenue recorded",
			"payment_id", p.PaymentID, "game_id", p.GameID, "amount", p.Amount.StringFixed(2))
	case domain.EventPaymentFailed:
		var p domain.PaymentFailed
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode PaymentFailed: %w", err)
		}
		a.mu.Lock()
		a.failed++
		a.mu.Unlock()
		a.log.Info("payment failure recorded", "payment_id", p.PaymentID, "reason", p.Reason)
	default:
		return fmt.Errorf("unexpected event type %q", e.Type)
	}

	if err := a.dedupe.Mark(ctx, key); err != nil {
		// Counted but unmarked: a redelivery may double-count, which is
		// preferable to dropping the event before it was counted.
		a.log.Warn("mark analytics event failed", "event_id", e.ID, "err", err)
	}
	return nil
}

func (a *Analytics) Snapshot() AnalyticsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	byGame := make(map[string]decimal.Decimal, len(a.byGame))
	for k, v := range a.byGame {
		byGame[k] = v
	}
	return AnalyticsSnapshot{
		CompletedPayments: a.completed,
		FailedPayments:    a.failed,
		TotalRevenue:      a.revenue,
		RevenueByGame:     byGame,
	}
}
