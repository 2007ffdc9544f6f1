package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type Method string

const (
	MethodCreditCard Method = "credit_card"
	MethodDebitCard  Method = "debit_card"
	MethodPix        Method = "pix"
	MethodBoleto     Method = "boleto"
	MethodPayPal     Method = "paypal"
)

var ErrNegativeAmount = errors.New("payment amount must not be negative")

// ParseMethod maps a wire value to a payment method.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodCreditCard, MethodDebitCard, MethodPix, MethodBoleto, MethodPayPal:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// InvalidTransitionError is returned when a transition is attempted from a
// state it is not defined for. The aggregate is left unchanged.
type InvalidTransitionError struct {
	From      Status
	Requested Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.Requested)
}

// Payment is the aggregate root of the settlement lifecycle. Status moves
// only forward through the named transition methods; there is no setter.
type Payment struct {
	ID            string
	UserID        string
	GameID        string
	Amount        decimal.Decimal
	Method        Method
	Status        Status
	TransactionID string
	FailureReason string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

func NewPayment(userID, gameID string, amount decimal.Decimal, method Method) (*Payment, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	return &Payment{
		ID:        uuid.NewString(),
		UserID:    userID,
		GameID:    gameID,
		Amount:    amount,
		Method:    method,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *Payment) MarkProcessing() error {
	if p.Status != StatusPending {
		return &InvalidTransitionError{From: p.Status, Requested: StatusProcessing}
	}
	p.Status = StatusProcessing
	return nil
}

func (p *Payment) MarkCompleted(transactionID string) error {
	if p.Status != StatusProcessing {
		return &InvalidTransitionError{From: p.Status, Requested: StatusCompleted}
	}
	if transactionID == "" {
		return errors.New("transaction id must not be empty")
	}
	now := time.Now().UTC()
	p.Status = StatusCompleted
	p.TransactionID = transactionID
	p.ProcessedAt = &now
	return nil
}

func (p *Payment) MarkFailed(reason string) error {
	if p.Status != StatusProcessing {
		return &InvalidTransitionError{From: p.Status, Requested: StatusFailed}
	}
	now := time.Now().UTC()
	p.Status = StatusFailed
	p.FailureReason = reason
	p.ProcessedAt = &now
	return nil
}

func (p *Payment) Cancel() error {
	if p.Status != StatusPending {
		return &InvalidTransitionError{From: p.Status, Requested: StatusCancelled}
	}
	now := time.Now().UTC()
	p.Status = StatusCancelled
	p.ProcessedAt = &now
	return nil
}

// Terminal reports whether the payment reached a final state.
func (p *Payment) Terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Grant records that a user owns a game, backed by exactly one completed
// payment. At most one grant exists per (user, game) pair.
type Grant struct {
	ID            string
	UserID        string
	GameID        string
	PaymentID     string
	PurchasePrice decimal.Decimal
	GrantedAt     time.Time
}

func NewGrant(userID, gameID, paymentID string, purchasePrice decimal.Decimal) *Grant {
	return &Grant{
		ID:            uuid.NewString(),
		UserID:        userID,
		GameID:        gameID,
		PaymentID:     paymentID,
		PurchasePrice: purchasePrice,
		GrantedAt:     time.Now().UTC(),
	}
}
