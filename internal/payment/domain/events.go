package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventPaymentCreated    = "PaymentCreated"
	EventPaymentProcessing = "PaymentProcessing"
	EventPaymentCompleted  = "PaymentCompleted"
	EventPaymentFailed     = "PaymentFailed"
	EventPaymentCancelled  = "PaymentCancelled"
	EventGamePurchased     = "GamePurchased"
)

// Event is the persisted envelope of a domain fact. Envelopes are appended
// to a per-aggregate ordered log and never mutated afterwards.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func NewEvent(aggregateID, eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Type:        eventType,
		Payload:     raw,
		OccurredAt:  time.Now().UTC(),
	}, nil
}

type PaymentCreated struct {
	PaymentID string          `json:"payment_id"`
	UserID    string          `json:"user_id"`
	GameID    string          `json:"game_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	CreatedAt time.Time       `json:"created_at"`
}

type PaymentProcessing struct {
	PaymentID    string    `json:"payment_id"`
	UserID       string    `json:"user_id"`
	GameID       string    `json:"game_id"`
	ProcessingAt time.Time `json:"processing_at"`
}

type PaymentCompleted struct {
	PaymentID     string          `json:"payment_id"`
	UserID        string          `json:"user_id"`
	GameID        string          `json:"game_id"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	CompletedAt   time.Time       `json:"completed_at"`
}

type PaymentFailed struct {
	PaymentID string    `json:"payment_id"`
	UserID    string    `json:"user_id"`
	GameID    string    `json:"game_id"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

type PaymentCancelled struct {
	PaymentID   string    `json:"payment_id"`
	UserID      string    `json:"user_id"`
	GameID      string    `json:"game_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type GamePurchased struct {
	UserID      string          `json:"user_id"`
	GameID      string          `json:"game_id"`
	PaymentID   string          `json:"payment_id"`
	Price       decimal.Decimal `json:"price"`
	PurchasedAt time.Time       `json:"purchased_at"`
}

// Replay folds an aggregate's ordered event log into the status it implies.
// The log is the source of truth: the result must match the stored payment.
func Replay(events []Event) (Status, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("empty event log")
	}
	var status Status
	for _, e := range events {
		switch e.Type {
		case EventPaymentCreated:
			status = StatusPending
		case EventPaymentProcessing:
			status = StatusProcessing
		case EventPaymentCompleted:
			status = StatusCompleted
		case EventPaymentFailed:
			status = StatusFailed
		case EventPaymentCancelled:
			status = StatusCancelled
		case EventGamePurchased:
			// purchase fact, not a status change
		default:
			return "", fmt.Errorf("unknown event type %q", e.Type)
		}
	}
	return status, nil
}
