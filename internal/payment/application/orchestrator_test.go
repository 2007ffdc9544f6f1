package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
	"github.com/cloudgames/payment-engine/pkg/retry"
)

type fakePayments struct {
	mu       sync.Mutex
	payments map[string]domain.Payment
	saveErr  error
}

func newFakePayments() *fakePayments {
	return &fakePayments{payments: make(map[string]domain.Payment)}
}

func (f *fakePayments) Save(ctx context.Context, p *domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.payments[p.ID] = *p
	return nil
}

func (f *fakePayments) Get(ctx context.Context, id string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := p
	return &cp, nil
}

func (f *fakePayments) ListByUser(ctx context.Context, userID string) ([]*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Payment
	for _, p := range f.payments {
		if p.UserID == userID {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePayments) Revenue(ctx context.Context) (RevenueReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := RevenueReport{
		TotalRevenue: decimal.Zero,
		ByStatus:     make(map[domain.Status]int),
		ByMethod:     make(map[domain.Method]decimal.Decimal),
	}
	for _, p := range f.payments {
		report.ByStatus[p.Status]++
		if p.Status == domain.StatusCompleted {
			report.TotalRevenue = report.TotalRevenue.Add(p.Amount)
			current, ok := report.ByMethod[p.Method]
			if !ok {
				current = decimal.Zero
			}
			report.ByMethod[p.Method] = current.Add(p.Amount)
		}
	}
	return report, nil
}

func (f *fakePayments) Ping(ctx context.Context) error { return nil }

type fakeGrants struct {
	mu     sync.Mutex
	grants map[string]domain.Grant // keyed user:game
}

func newFakeGrants() *fakeGrants {
	return &fakeGrants{grants: make(map[string]domain.Grant)}
}

func (f *fakeGrants) Save(ctx context.Context, g *domain.Grant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := g.UserID + ":" + g.GameID
	if _, ok := f.grants[key]; ok {
		return ErrAlreadyOwned
	}
	f.grants[key] = *g
	return nil
}

func (f *fakeGrants) Exists(ctx context.Context, userID, gameID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.grants[userID+":"+gameID]
	return ok, nil
}

func (f *fakeGrants) ListByUser(ctx context.Context, userID string) ([]*domain.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Grant, 0)
	for _, g := range f.grants {
		if g.UserID == userID {
			cp := g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeGrants) get(userID, gameID string) (domain.Grant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.grants[userID+":"+gameID]
	return g, ok
}

type fakeEventStore struct {
	mu        sync.Mutex
	logs      map[string][]domain.Event
	appendErr error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{logs: make(map[string][]domain.Event)}
}

func (f *fakeEventStore) Append(ctx context.Context, e domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.logs[e.AggregateID] = append(f.logs[e.AggregateID], e)
	return nil
}

func (f *fakeEventStore) ReadAll(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.logs[aggregateID]...), nil
}

type fakeCatalog struct {
	games map[string]Game
}

func (f *fakeCatalog) GetGame(ctx context.Context, gameID string) (Game, bool, error) {
	g, ok := f.games[gameID]
	return g, ok, nil
}

type stubGateway struct {
	mu      sync.Mutex
	result  SettlementResult
	err     error
	latency time.Duration
	calls   int
}

func (g *stubGateway) Settle(ctx context.Context, p *domain.Payment) (SettlementResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.latency > 0 {
		time.Sleep(g.latency)
	}
	return g.result, g.err
}

func (g *stubGateway) settleCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturingPublisher) Publish(ctx context.Context, e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	orch      *Orchestrator
	payments  *fakePayments
	grants    *fakeGrants
	events    *fakeEventStore
	gateway   *stubGateway
	publisher *capturingPublisher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		payments: newFakePayments(),
		grants:   newFakeGrants(),
		events:   newFakeEventStore(),
		gateway: &stubGateway{
			result: SettlementResult{Approved: true, TransactionID: "TXN-ABC123"},
		},
		publisher: &capturingPublisher{},
	}
	catalog := &fakeCatalog{games: map[string]Game{
		"game-1": {ID: "game-1", Title: "Starfarer", Price: decimal.NewFromFloat(59.90)},
	}}
	e.orch = NewOrchestrator(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		e.payments, e.grants, e.events, catalog, e.gateway, e.publisher,
		retry.Policy{Attempts: 3, Interval: time.Millisecond},
	)
	return e
}

func TestCreatePayment(t *testing.T) {
	e := newEnv(t)

	p, err := e.orch.CreatePayment(context.Background(), "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, p.Status)
	assert.True(t, p.Amount.Equal(decimal.NewFromFloat(59.90)))

	stored, err := e.payments.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)

	log, err := e.events.ReadAll(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, domain.EventPaymentCreated, log[0].Type)
	assert.Equal(t, []string{domain.EventPaymentCreated}, e.publisher.types())
}

func TestCreatePaymentUnknownGame(t *testing.T) {
	e := newEnv(t)

	_, err := e.orch.CreatePayment(context.Background(), "user-1", "missing", domain.MethodPix)
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestCreatePaymentAlreadyOwned(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)
	_, err = e.orch.ProcessPayment(ctx, p.ID)
	require.NoError(t, err)

	for _, method := range []domain.Method{domain.MethodPix, domain.MethodCreditCard, domain.MethodBoleto} {
		_, err = e.orch.CreatePayment(ctx, "user-1", "game-1", method)
		assert.ErrorIs(t, err, ErrAlreadyOwned)
	}

	// Other users are unaffected.
	_, err = e.orch.CreatePayment(ctx, "user-2", "game-1", domain.MethodPix)
	assert.NoError(t, err)
}

func TestProcessPaymentCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)

	p, err := e.orch.ProcessPayment(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, p.Status)
	assert.Equal(t, "TXN-ABC123", p.TransactionID)
	assert.NotNil(t, p.ProcessedAt)

	grant, ok := e.grants.get("user-1", "game-1")
	require.True(t, ok)
	assert.Equal(t, created.ID, grant.PaymentID)
	assert.True(t, grant.PurchasePrice.Equal(decimal.NewFromFloat(59.90)))

	log, err := e.events.ReadAll(ctx, created.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(log))
	for _, ev := range log {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		domain.EventPaymentCreated,
		domain.EventPaymentProcessing,
		domain.EventPaymentCompleted,
		domain.EventGamePurchased,
	}, types)
	assert.Equal(t, types, e.publisher.types())

	// Replaying the log reconstructs the stored status.
	status, err := domain.Replay(log)
	require.NoError(t, err)
	stored, err := e.payments.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Status, status)
}

func TestProcessPaymentDeclined(t *testing.T) {
	e := newEnv(t)
	e.gateway.result = SettlementResult{Approved: false, Reason: "insufficient funds"}
	ctx := context.Background()

	created, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodCreditCard)
	require.NoError(t, err)

	p, err := e.orch.ProcessPayment(ctx, created.ID)
	require.NoError(t, err, "a declined settlement is a terminal state, not an error")

	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, "insufficient funds", p.FailureReason)
	assert.Empty(t, p.TransactionID)

	_, ok := e.grants.get("user-1", "game-1")
	assert.False(t, ok)

	log, err := e.events.ReadAll(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, domain.EventPaymentFailed, log[2].Type)
}

func TestProcessPaymentGatewayUnavailable(t *testing.T) {
	e := newEnv(t)
	e.gateway.err = errors.New("connection refused")
	ctx := context.Background()

	created, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)

	p, err := e.orch.ProcessPayment(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, p.Status)
}

func TestProcessPaymentNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.orch.ProcessPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	log, err := e.events.ReadAll(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestProcessPaymentTwiceSequential(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)
	_, err = e.orch.ProcessPayment(ctx, created.ID)
	require.NoError(t, err)

	before, err := e.events.ReadAll(ctx, created.ID)
	require.NoError(t, err)

	_, err = e.orch.ProcessPayment(ctx, created.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	after, err := e.events.ReadAll(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "repeated processing must not append events")
	assert.Equal(t, 1, e.gateway.settleCalls())
}

func TestProcessPaymentConcurrent(t *testing.T) {
	e := newEnv(t)
	e.gateway.latency = 20 * time.Millisecond
	ctx := context.Background()

	created, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.orch.ProcessPayment(ctx, created.ID)
			errs <- err
		}()
	}

	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyProcessed):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, e.gateway.settleCalls(), "exactly one call may reach the gateway")
}

func TestConcurrentDuplicateCreate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			p, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
			if err == nil {
				_, err = e.orch.ProcessPayment(ctx, p.ID)
			}
			results <- err
		}()
	}

	for i := 0; i < n; i++ {
		if err := <-results; err != nil && !errors.Is(err, ErrAlreadyOwned) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// However the calls interleave, at most one payment settles into a
	// grant; the rest are rejected at creation or fail at settlement.
	var completed int
	e.payments.mu.Lock()
	for _, p := range e.payments.payments {
		if p.Status == domain.StatusCompleted {
			completed++
		}
	}
	e.payments.mu.Unlock()
	assert.Equal(t, 1, completed)

	_, ok := e.grants.get("user-1", "game-1")
	assert.True(t, ok)
}

func TestAppendFailureIsNotPublished(t *testing.T) {
	e := newEnv(t)
	e.events.appendErr = fmt.Errorf("disk full")

	_, err := e.orch.CreatePayment(context.Background(), "user-1", "game-1", domain.MethodPix)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, e.publisher.types(), "events without durable backing must not be published")
}

func TestProcessPaymentResumesAfterAppendFailure(t *testing.T) {
	e := newEnv(t)

	p, err := e.orch.CreatePayment(context.Background(), "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)

	// The Processing append exhausts retries after the status was saved,
	// leaving the payment in Processing without reaching the gateway.
	e.events.appendErr = fmt.Errorf("disk full")
	_, err = e.orch.ProcessPayment(context.Background(), p.ID)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, e.gateway.settleCalls())

	stuck, err := e.payments.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, stuck.Status)

	// The next call must pick the payment up from Processing and settle
	// it instead of rejecting it as already processed.
	e.events.appendErr = nil

	done, err := e.orch.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, 1, e.gateway.settleCalls())

	_, ok := e.grants.get("user-1", "game-1")
	assert.True(t, ok)
}

func TestListLibrary(t *testing.T) {
	e := newEnv(t)

	p, err := e.orch.CreatePayment(context.Background(), "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)
	_, err = e.orch.ProcessPayment(context.Background(), p.ID)
	require.NoError(t, err)

	grants, err := e.orch.ListLibrary(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "game-1", grants[0].GameID)
	assert.Equal(t, p.ID, grants[0].PaymentID)
	assert.True(t, grants[0].PurchasePrice.Equal(p.Amount))

	empty, err := e.orch.ListLibrary(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSaveFailureSurfacesAsStoreUnavailable(t *testing.T) {
	e := newEnv(t)
	e.payments.saveErr = fmt.Errorf("connection reset")

	_, err := e.orch.CreatePayment(context.Background(), "user-1", "game-1", domain.MethodPix)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCancelPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)

	p, err := e.orch.CancelPayment(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, p.Status)
	assert.NotNil(t, p.ProcessedAt)

	_, err = e.orch.ProcessPayment(ctx, created.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	log, err := e.events.ReadAll(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, domain.EventPaymentCancelled, log[1].Type)
}

func TestRevenueAnalytics(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// user-1 completes a pix purchase, user-2's card is declined,
	// user-3 leaves a payment pending.
	p1, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)
	_, err = e.orch.ProcessPayment(ctx, p1.ID)
	require.NoError(t, err)

	e.gateway.result = SettlementResult{Approved: false, Reason: "declined"}
	p2, err := e.orch.CreatePayment(ctx, "user-2", "game-1", domain.MethodCreditCard)
	require.NoError(t, err)
	_, err = e.orch.ProcessPayment(ctx, p2.ID)
	require.NoError(t, err)

	_, err = e.orch.CreatePayment(ctx, "user-3", "game-1", domain.MethodBoleto)
	require.NoError(t, err)

	report, err := e.orch.RevenueAnalytics(ctx)
	require.NoError(t, err)

	assert.True(t, report.TotalRevenue.Equal(decimal.NewFromFloat(59.90)),
		"total revenue %s", report.TotalRevenue)
	assert.Equal(t, 1, report.ByStatus[domain.StatusCompleted])
	assert.Equal(t, 1, report.ByStatus[domain.StatusFailed])
	assert.Equal(t, 1, report.ByStatus[domain.StatusPending])
	assert.True(t, report.ByMethod[domain.MethodPix].Equal(decimal.NewFromFloat(59.90)))
}

func TestListPayments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.orch.CreatePayment(ctx, "user-1", "game-1", domain.MethodPix)
	require.NoError(t, err)
	_, err = e.orch.CreatePayment(ctx, "user-2", "game-1", domain.MethodPix)
	require.NoError(t, err)

	list, err := e.orch.ListPayments(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "user-1", list[0].UserID)
}
