package application

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
)

type PaymentRepository interface {
	Save(ctx context.Context, p *domain.Payment) error
	Get(ctx context.Context, id string) (*domain.Payment, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Payment, error)
	Revenue(ctx context.Context) (RevenueReport, error)
	Ping(ctx context.Context) error
}

type GrantRepository interface {
	// Save inserts the grant, returning ErrAlreadyOwned if a grant for the
	// same (user, game) pair already exists.
	Save(ctx context.Context, g *domain.Grant) error
	Exists(ctx context.Context, userID, gameID string) (bool, error)
	// ListByUser returns the user's grants oldest first.
	ListByUser(ctx context.Context, userID string) ([]*domain.Grant, error)
}

type EventStore interface {
	// Append durably persists the event as the next entry of its
	// aggregate's log. Persistence failures surface as ErrStoreUnavailable.
	Append(ctx context.Context, e domain.Event) error
	// ReadAll returns the aggregate's events oldest first, an empty slice
	// when none exist.
	ReadAll(ctx context.Context, aggregateID string) ([]domain.Event, error)
}

type Game struct {
	ID    string
	Title string
	Price decimal.Decimal
}

// Catalog resolves a game to its price. Lookups are fail-closed: network
// failures and missing games both report found == false.
type Catalog interface {
	GetGame(ctx context.Context, gameID string) (Game, bool, error)
}

type SettlementResult struct {
	Approved      bool
	TransactionID string
	Reason        string
}

// Gateway attempts to settle a payment once. Retry policy belongs to the
// caller. TransactionID is non-empty iff the settlement was approved.
type Gateway interface {
	Settle(ctx context.Context, p *domain.Payment) (SettlementResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// RevenueReport aggregates completed revenue and per-status counts. Each
// payment lands in exactly one status bucket.
type RevenueReport struct {
	TotalRevenue decimal.Decimal                   `json:"total_revenue"`
	ByStatus     map[domain.Status]int             `json:"by_status"`
	ByMethod     map[domain.Method]decimal.Decimal `json:"by_method"`
}
