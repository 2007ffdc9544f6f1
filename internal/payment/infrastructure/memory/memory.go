// Package memory provides in-memory adapters with the same contracts as
// the postgres ones, for tests and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cloudgames/payment-engine/internal/payment/application"
	"github.com/cloudgames/payment-engine/internal/payment/domain"
)

type PaymentStore struct {
	mu       sync.RWMutex
	payments map[string]domain.Payment
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{payments: make(map[string]domain.Payment)}
}

func (s *PaymentStore) Save(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = *p
	return nil
}

func (s *PaymentStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, application.ErrPaymentNotFound
	}
	cp := p
	return &cp, nil
}

func (s *PaymentStore) ListByUser(ctx context.Context, userID string) ([]*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Payment, 0)
	for _, p := range s.payments {
		if p.UserID == userID {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *PaymentStore) Revenue(ctx context.Context) (application.RevenueReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := application.RevenueReport{
		TotalRevenue: decimal.Zero,
		ByStatus:     make(map[domain.Status]int),
		ByMethod:     make(map[domain.Method]decimal.Decimal),
	}
	for _, p := range s.payments {
		report.ByStatus[p.Status]++
		if p.Status != domain.StatusCompleted {
			continue
		}
		report.TotalRevenue = report.TotalRevenue.Add(p.Amount)
		current, ok := report.ByMethod[p.Method]
		if !ok {
			current = decimal.Zero
		}
		report.ByMethod[p.Method] = current.Add(p.Amount)
	}
	return report, nil
}

func (s *PaymentStore) Ping(ctx context.Context) error { return nil }

type GrantStore struct {
	mu     sync.RWMutex
	byPair map[string]domain.Grant
}

func NewGrantStore() *GrantStore {
	return &GrantStore{byPair: make(map[string]domain.Grant)}
}

func pairKey(userID, gameID string) string { return userID + ":" + gameID }

func (s *GrantStore) Save(ctx context.Context, g *domain.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(g.UserID, g.GameID)
	if _, ok := s.byPair[key]; ok {
		return application.ErrAlreadyOwned
	}
	s.byPair[key] = *g
	return nil
}

func (s *GrantStore) ListByUser(ctx context.Context, userID string) ([]*domain.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Grant, 0)
	for _, g := range s.byPair {
		if g.UserID == userID {
			cp := g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (s *GrantStore) Exists(ctx context.Context, userID, gameID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byPair[pairKey(userID, gameID)]
	return ok, nil
}

type EventStore struct {
	mu   sync.RWMutex
	logs map[string][]domain.Event
}

func NewEventStore() *EventStore {
	return &EventStore{logs: make(map[string][]domain.Event)}
}

func (s *EventStore) Append(ctx context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[e.AggregateID] = append(s.logs[e.AggregateID], e)
	return nil
}

func (s *EventStore) ReadAll(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Event(nil), s.logs[aggregateID]...), nil
}

// Catalog is a fixed in-memory game catalog.
type Catalog struct {
	mu    sync.RWMutex
	games map[string]application.Game
}

func NewCatalog(games ...application.Game) *Catalog {
	c := &Catalog{games: make(map[string]application.Game, len(games))}
	for _, g := range games {
		c.games[g.ID] = g
	}
	return c
}

func (c *Catalog) GetGame(ctx context.Context, gameID string) (application.Game, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.games[gameID]
	return g, ok, nil
}
