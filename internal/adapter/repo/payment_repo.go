package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psvps2-byte/kling-site/internal/domain"
)

// PaymentRepositoryPG implements domain.PaymentRepository on PostgreSQL.
type PaymentRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a payment repository backed by PostgreSQL.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepositoryPG {
	return &PaymentRepositoryPG{pool: pool}
}

// Create inserts a new PENDING intent, assigning an id when unset.
func (r *PaymentRepositoryPG) Create(ctx context.Context, intent *domain.PaymentIntent) error {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	intent.Status = domain.PaymentPending
	query := `
INSERT INTO payment_intents (id, owner_email, amount_points, status)
VALUES ($1, $2, $3, $4);
`
	_, err := r.pool.Exec(ctx, query, intent.ID, intent.OwnerEmail, intent.AmountPoints, intent.Status)
	return err
}

// GetByID fetches an intent by its identifier.
func (r *PaymentRepositoryPG) GetByID(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	query := `
SELECT id, owner_email, amount_points, status, created_at, updated_at
FROM payment_intents
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, id)
	var intent domain.PaymentIntent
	if err := row.Scan(
		&intent.ID,
		&intent.OwnerEmail,
		&intent.AmountPoints,
		&intent.Status,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// MarkPaid performs the conditional PENDING to PAID transition. Only the
// winner of the flip may credit the ledger, so a PAID intent is never
// credited twice.
func (r *PaymentRepositoryPG) MarkPaid(ctx context.Context, id string) (bool, error) {
	query := `
UPDATE payment_intents
SET status = $2, updated_at = now()
WHERE id = $1 AND status = $3;
`
	tag, err := r.pool.Exec(ctx, query, id, domain.PaymentPaid, domain.PaymentPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves a PENDING intent to FAILED.
func (r *PaymentRepositoryPG) MarkFailed(ctx context.Context, id string) error {
	query := `
UPDATE payment_intents
SET status = $2, updated_at = now()
WHERE id = $1 AND status = $3;
`
	_, err := r.pool.Exec(ctx, query, id, domain.PaymentFailed, domain.PaymentPending)
	return err
}

var _ domain.PaymentRepository = (*PaymentRepositoryPG)(nil)
