package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cloudgames/payment-engine/internal/payment/application"
	"github.com/cloudgames/payment-engine/internal/payment/domain"
)

// uniqueViolation is the postgres error code raised by the grants
// (user_id, game_id) unique index.
const uniqueViolation = "23505"

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Save(ctx context.Context, p *domain.Payment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payments (id, user_id, game_id, amount, method, status, transaction_id, failure_reason, created_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE
		SET status=$6, transaction_id=$7, failure_reason=$8, processed_at=$10`,
		p.ID, p.UserID, p.GameID, p.Amount, string(p.Method), string(p.Status),
		nullable(p.TransactionID), nullable(p.FailureReason), p.CreatedAt, p.ProcessedAt)
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `
		SELECT id, user_id, game_id, amount, method, status, transaction_id, failure_reason, created_at, processed_at
		FROM payments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, application.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*domain.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, game_id, amount, method, status, transaction_id, failure_reason, created_at, processed_at
		FROM payments WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("list payments: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) Revenue(ctx context.Context) (application.RevenueReport, error) {
	report := application.RevenueReport{
		TotalRevenue: decimal.Zero,
		ByStatus:     make(map[domain.Status]int),
		ByMethod:     make(map[domain.Method]decimal.Decimal),
	}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM payments GROUP BY status`)
	if err != nil {
		return report, fmt.Errorf("revenue by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return report, err
		}
		report.ByStatus[domain.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	methodRows, err := r.pool.Query(ctx, `
		SELECT method, COALESCE(SUM(amount), 0)
		FROM payments WHERE status=$1 GROUP BY method`, string(domain.StatusCompleted))
	if err != nil {
		return report, fmt.Errorf("revenue by method: %w", err)
	}
	defer methodRows.Close()
	for methodRows.Next() {
		var method string
		var sum decimal.Decimal
		if err := methodRows.Scan(&method, &sum); err != nil {
			return report, err
		}
		report.ByMethod[domain.Method(method)] = sum
		report.TotalRevenue = report.TotalRevenue.Add(sum)
	}
	return report, methodRows.Err()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

type GrantRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewGrantRepository(log *slog.Logger, pool *pgxpool.Pool) *GrantRepository {
	return &GrantRepository{log: log, pool: pool}
}

func (r *GrantRepository) Save(ctx context.Context, g *domain.Grant) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO grants (id, user_id, game_id, payment_id, purchase_price, granted_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		g.ID, g.UserID, g.GameID, g.PaymentID, g.PurchasePrice, g.GrantedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return application.ErrAlreadyOwned
		}
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

func (r *GrantRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Grant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, game_id, payment_id, purchase_price, granted_at
		FROM grants WHERE user_id=$1 ORDER BY granted_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Grant, 0)
	for rows.Next() {
		var g domain.Grant
		if err := rows.Scan(&g.ID, &g.UserID, &g.GameID, &g.PaymentID, &g.PurchasePrice, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("list grants: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (r *GrantRepository) Exists(ctx context.Context, userID, gameID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM grants WHERE user_id=$1 AND game_id=$2)`,
		userID, gameID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grant exists: %w", err)
	}
	return exists, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var method, status string
	var transactionID, failureReason *string
	if err := row.Scan(&p.ID, &p.UserID, &p.GameID, &p.Amount, &method, &status,
		&transactionID, &failureReason, &p.CreatedAt, &p.ProcessedAt); err != nil {
		return nil, err
	}
	p.Method = domain.Method(method)
	p.Status = domain.Status(status)
	if transactionID != nil {
		p.TransactionID = *transactionID
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
