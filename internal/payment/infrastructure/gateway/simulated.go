// Package gateway holds the settlement boundary. Simulated stands in for a
// real acquirer integration: same two-outcome contract, injectable
// randomness so tests stay deterministic.
package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudgames/payment-engine/internal/payment/application"
	"github.com/cloudgames/payment-engine/internal/payment/domain"
)

type Simulated struct {
	log         *slog.Logger
	mu          sync.Mutex
	rnd         *rand.Rand
	successRate float64
	latency     time.Duration
}

func NewSimulated(log *slog.Logger, rnd *rand.Rand, successRate float64, latency time.Duration) *Simulated {
	return &Simulated{
		log:         log,
		rnd:         rnd,
		successRate: successRate,
		latency:     latency,
	}
}

func (g *Simulated) Settle(ctx context.Context, p *domain.Payment) (application.SettlementResult, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return application.SettlementResult{}, ctx.Err()
		}
	}

	g.mu.Lock()
	approved := g.rnd.Float64() < g.successRate
	g.mu.Unlock()

	if !approved {
		g.log.Warn("settlement declined", "payment_id", p.ID, "method", string(p.Method))
		return application.SettlementResult{
			Approved: false,
			Reason:   "payment declined by gateway",
		}, nil
	}

	ref := "TXN-" + strings.ToUpper(strings.SplitN(uuid.NewString(), "-", 2)[0])
	g.log.Info("settlement approved", "payment_id", p.ID, "transaction_id", ref)
	return application.SettlementResult{Approved: true, TransactionID: ref}, nil
}
