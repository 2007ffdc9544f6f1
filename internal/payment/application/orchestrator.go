package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
	"github.com/cloudgames/payment-engine/pkg/keylock"
	"github.com/cloudgames/payment-engine/pkg/retry"
)

// Orchestrator owns every payment state transition. All mutation funnels
// through it under a per-key exclusive lock, so no two concurrent calls can
// both move the same payment, and events are appended and published in
// lifecycle order: Created -> Processing -> {Completed|Failed} -> GamePurchased.
type Orchestrator struct {
	log       *slog.Logger
	payments  PaymentRepository
	grants    GrantRepository
	events    EventStore
	catalog   Catalog
	gateway   Gateway
	publisher Publisher
	locks     *keylock.Table
	retry     retry.Policy
	tracer    trace.Tracer
}

func NewOrchestrator(
	log *slog.Logger,
	payments PaymentRepository,
	grants GrantRepository,
	events EventStore,
	catalog Catalog,
	gateway Gateway,
	publisher Publisher,
	storeRetry retry.Policy,
) *Orchestrator {
	return &Orchestrator{
		log:       log,
		payments:  payments,
		grants:    grants,
		events:    events,
		catalog:   catalog,
		gateway:   gateway,
		publisher: publisher,
		locks:     keylock.New(),
		retry:     storeRetry,
		tracer:    otel.Tracer("payment-orchestrator"),
	}
}

// CreatePayment resolves the game price, rejects duplicate ownership, and
// records a new Pending payment. Serialized per (user, game) so a concurrent
// duplicate request cannot produce two payments that both succeed.
func (o *Orchestrator) CreatePayment(ctx context.Context, userID, gameID string, method domain.Method) (*domain.Payment, error) {
	ctx, span := o.tracer.Start(ctx, "CreatePayment")
	defer span.End()

	unlock := o.locks.Lock("purchase:" + userID + ":" + gameID)
	defer unlock()

	game, found, err := o.catalog.GetGame(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup: %w", err)
	}
	if !found {
		return nil, ErrGameNotFound
	}

	owned, err := o.grants.Exists(ctx, userID, gameID)
	if err != nil {
		return nil, fmt.Errorf("grant lookup: %w", err)
	}
	if owned {
		return nil, ErrAlreadyOwned
	}

	p, err := domain.NewPayment(userID, gameID, game.Price, method)
	if err != nil {
		return nil, err
	}

	if err := o.save(ctx, p); err != nil {
		return nil, err
	}

	if err := o.appendAndPublish(ctx, p.ID, domain.EventPaymentCreated, domain.PaymentCreated{
		PaymentID: p.ID,
		UserID:    p.UserID,
		GameID:    p.GameID,
		Amount:    p.Amount,
		Method:    string(p.Method),
		CreatedAt: p.CreatedAt,
	}); err != nil {
		return nil, err
	}

	o.log.Info("payment created",
		"payment_id", p.ID, "user_id", userID, "game_id", gameID,
		"amount", p.Amount.String(), "method", string(method))
	return p, nil
}

// ProcessPayment drives a Pending payment through settlement. The whole
// operation runs under the payment's exclusive lock: a concurrent call for
// the same id waits, observes the post-lock status, and gets
// ErrAlreadyProcessed instead of settling twice. A payment left in
// Processing by a store outage is resumed from settlement on the next call.
// The operation runs to completion server-side; caller disconnection does
// not abort settlement.
func (o *Orchestrator) ProcessPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	ctx, span := o.tracer.Start(ctx, "ProcessPayment")
	defer span.End()

	unlock := o.locks.Lock("payment:" + paymentID)
	defer unlock()

	p, err := o.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case domain.StatusPending:
	case domain.StatusProcessing:
		// A prior attempt saved Processing and then hit a store outage
		// before settlement. The lock guarantees no other attempt is in
		// flight, so resume instead of stranding the payment.
		o.log.Info("resuming settlement", "payment_id", p.ID)
	default:
		return nil, fmt.Errorf("%w: payment %s is %s", ErrAlreadyProcessed, p.ID, p.Status)
	}

	// A duplicate pending payment may still exist for a pair that was
	// granted in the meantime; it must never settle into a second grant.
	owned, err := o.grants.Exists(ctx, p.UserID, p.GameID)
	if err != nil {
		return nil, fmt.Errorf("grant lookup: %w", err)
	}

	if p.Status == domain.StatusPending {
		if err := p.MarkProcessing(); err != nil {
			return nil, err
		}
		if err := o.save(ctx, p); err != nil {
			return nil, err
		}
		if err := o.appendAndPublish(ctx, p.ID, domain.EventPaymentProcessing, domain.PaymentProcessing{
			PaymentID:    p.ID,
			UserID:       p.UserID,
			GameID:       p.GameID,
			ProcessingAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
	}

	if owned {
		return o.fail(ctx, p, "game already granted to user")
	}

	result, err := o.gateway.Settle(ctx, p)
	if err != nil {
		// An unreachable gateway is an expected settlement outcome, not
		// an internal error: the payment terminates as Failed.
		o.log.Warn("gateway unavailable", "payment_id", p.ID, "err", err)
		result = SettlementResult{Approved: false, Reason: "settlement gateway unavailable"}
	}

	if result.Approved {
		return o.complete(ctx, p, result.TransactionID)
	}
	return o.fail(ctx, p, result.Reason)
}

func (o *Orchestrator) complete(ctx context.Context, p *domain.Payment, transactionID string) (*domain.Payment, error) {
	// The grant's uniqueness constraint is the last line of defense: if a
	// concurrent settlement of a duplicate payment won the pair, this one
	// terminates as Failed instead of producing a second grant.
	grant := domain.NewGrant(p.UserID, p.GameID, p.ID, p.Amount)
	if err := o.grants.Save(ctx, grant); err != nil {
		if errors.Is(err, ErrAlreadyOwned) {
			return o.fail(ctx, p, "game already granted to user")
		}
		return nil, fmt.Errorf("save grant: %w", err)
	}

	if err := p.MarkCompleted(transactionID); err != nil {
		return nil, err
	}
	if err := o.save(ctx, p); err != nil {
		return nil, err
	}

	if err := o.appendAndPublish(ctx, p.ID, domain.EventPaymentCompleted, domain.PaymentCompleted{
		PaymentID:     p.ID,
		UserID:        p.UserID,
		GameID:        p.GameID,
		Amount:        p.Amount,
		TransactionID: p.TransactionID,
		CompletedAt:   *p.ProcessedAt,
	}); err != nil {
		return nil, err
	}
	if err := o.appendAndPublish(ctx, p.ID, domain.EventGamePurchased, domain.GamePurchased{
		UserID:      p.UserID,
		GameID:      p.GameID,
		PaymentID:   p.ID,
		Price:       grant.PurchasePrice,
		PurchasedAt: grant.GrantedAt,
	}); err != nil {
		return nil, err
	}

	o.log.Info("payment completed",
		"payment_id", p.ID, "transaction_id", p.TransactionID, "grant_id", grant.ID)
	return p, nil
}

func (o *Orchestrator) fail(ctx context.Context, p *domain.Payment, reason string) (*domain.Payment, error) {
	if err := p.MarkFailed(reason); err != nil {
		return nil, err
	}
	if err := o.save(ctx, p); err != nil {
		return nil, err
	}
	if err := o.appendAndPublish(ctx, p.ID, domain.EventPaymentFailed, domain.PaymentFailed{
		PaymentID: p.ID,
		UserID:    p.UserID,
		GameID:    p.GameID,
		Reason:    p.FailureReason,
		FailedAt:  *p.ProcessedAt,
	}); err != nil {
		return nil, err
	}

	o.log.Info("payment failed", "payment_id", p.ID, "reason", reason)
	return p, nil
}

// CancelPayment cancels a payment that has not started settlement yet.
func (o *Orchestrator) CancelPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	ctx, span := o.tracer.Start(ctx, "CancelPayment")
	defer span.End()

	unlock := o.locks.Lock("payment:" + paymentID)
	defer unlock()

	p, err := o.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrAlreadyProcessed, p.ID, p.Status)
	}

	if err := p.Cancel(); err != nil {
		return nil, err
	}
	if err := o.save(ctx, p); err != nil {
		return nil, err
	}
	if err := o.appendAndPublish(ctx, p.ID, domain.EventPaymentCancelled, domain.PaymentCancelled{
		PaymentID:   p.ID,
		UserID:      p.UserID,
		GameID:      p.GameID,
		CancelledAt: *p.ProcessedAt,
	}); err != nil {
		return nil, err
	}

	o.log.Info("payment cancelled", "payment_id", p.ID)
	return p, nil
}

func (o *Orchestrator) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return o.payments.Get(ctx, paymentID)
}

func (o *Orchestrator) ListPayments(ctx context.Context, userID string) ([]*domain.Payment, error) {
	return o.payments.ListByUser(ctx, userID)
}

// ListLibrary returns the games granted to the user.
func (o *Orchestrator) ListLibrary(ctx context.Context, userID string) ([]*domain.Grant, error) {
	return o.grants.ListByUser(ctx, userID)
}

// GetEvents exposes an aggregate's ordered event history for audit reads.
func (o *Orchestrator) GetEvents(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	return o.events.ReadAll(ctx, aggregateID)
}

func (o *Orchestrator) RevenueAnalytics(ctx context.Context) (RevenueReport, error) {
	return o.payments.Revenue(ctx)
}

func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	return o.payments.Ping(ctx)
}

func (o *Orchestrator) save(ctx context.Context, p *domain.Payment) error {
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		return o.payments.Save(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("%w: save payment %s: %v", ErrStoreUnavailable, p.ID, err)
	}
	return nil
}

// appendAndPublish durably appends the event, then publishes it. An event
// whose append failed is never published: downstream consumers must not see
// facts without durable backing. Publish failures only log; the bus is
// at-least-once and the log is the source of truth.
func (o *Orchestrator) appendAndPublish(ctx context.Context, aggregateID, eventType string, payload any) error {
	e, err := domain.NewEvent(aggregateID, eventType, payload)
	if err != nil {
		return err
	}

	err = o.retry.Do(ctx, func(ctx context.Context) error {
		return o.events.Append(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("%w: append %s for %s: %v", ErrStoreUnavailable, eventType, aggregateID, err)
	}

	if err := o.publisher.Publish(ctx, e); err != nil {
		o.log.Error("publish failed", "event_id", e.ID, "type", e.Type, "err", err)
	}
	return nil
}
