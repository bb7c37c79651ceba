package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/pricing"
)

// LedgerRepositoryPG implements domain.LedgerRepository on PostgreSQL.
// Every balance mutation is a single conditional statement so concurrent
// callers can never interleave a read-then-write on points.
type LedgerRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a ledger repository backed by PostgreSQL.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool}
}

// EnsureAccount creates the account with a zero balance on first access.
func (r *LedgerRepositoryPG) EnsureAccount(ctx context.Context, email string) (*domain.Account, error) {
	query := `
INSERT INTO accounts (email) VALUES ($1)
ON CONFLICT (email) DO UPDATE SET updated_at = accounts.updated_at
RETURNING email, points, created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, query, email)
	var acc domain.Account
	if err := row.Scan(&acc.Email, &acc.Points, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return &acc, nil
}

// Balance returns the current points balance.
func (r *LedgerRepositoryPG) Balance(ctx context.Context, email string) (int, error) {
	var points int
	err := r.pool.QueryRow(ctx, `SELECT points FROM accounts WHERE email = $1;`, email).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, err
	}
	return points, nil
}

// Spend atomically decrements the balance.
func (r *LedgerRepositoryPG) Spend(ctx context.Context, email string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: spend amount must be positive", domain.ErrInvalidAmount)
	}
	query := `
UPDATE accounts
SET points = points - $2, updated_at = now()
WHERE email = $1 AND points >= $2
RETURNING points;
`
	var balance int
	err := r.pool.QueryRow(ctx, query, email, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// Distinguish a missing account from an underfunded one.
	if _, berr := r.Balance(ctx, email); berr != nil {
		return 0, berr
	}
	return 0, domain.ErrInsufficientFunds
}

// Refund atomically increments the balance.
func (r *LedgerRepositoryPG) Refund(ctx context.Context, email string, amount int) (int, error) {
	if amount <= 0 || amount > pricing.RefundCeiling {
		return 0, fmt.Errorf("%w: refund amount out of range", domain.ErrInvalidAmount)
	}
	query := `
UPDATE accounts
SET points = points + $2, updated_at = now()
WHERE email = $1
RETURNING points;
`
	var balance int
	if err := r.pool.QueryRow(ctx, query, email, amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

// Credit adds purchased points, creating the account if needed.
func (r *LedgerRepositoryPG) Credit(ctx context.Context, email string, amount int) (int, error) {
	if amount <= 0 || amount > pricing.RefundCeiling {
		return 0, fmt.Errorf("%w: credit amount out of range", domain.ErrInvalidAmount)
	}
	query := `
INSERT INTO accounts (email, points) VALUES ($1, $2)
ON CONFLICT (email) DO UPDATE SET points = accounts.points + EXCLUDED.points, updated_at = now()
RETURNING points;
`
	var balance int
	if err := r.pool.QueryRow(ctx, query, email, amount).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// SpendAndCreateJob debits the job cost and inserts the job row in one
// transaction. A failed debit leaves no job; a failed insert rolls back the
// debit.
func (r *LedgerRepositoryPG) SpendAndCreateJob(ctx context.Context, job *domain.Job) (string, error) {
	if job.CostPoints <= 0 {
		return "", fmt.Errorf("%w: job cost must be positive", domain.ErrInvalidAmount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin spend tx: %w", err)
	}
	defer tx.Rollback(ctx)

	debit := `
UPDATE accounts
SET points = points - $2, updated_at = now()
WHERE email = $1 AND points >= $2
RETURNING points;
`
	var balance int
	if err := tx.QueryRow(ctx, debit, job.OwnerEmail, job.CostPoints).Scan(&balance); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE email = $1);`, job.OwnerEmail).Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return "", domain.ErrAccountNotFound
		}
		return "", domain.ErrInsufficientFunds
	}

	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	insert := `
INSERT INTO jobs (id, owner_email, kind, tier, status, cost_points, charged, payload, expected_count)
VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8);
`
	if _, err := tx.Exec(ctx, insert,
		id,
		job.OwnerEmail,
		job.Kind,
		job.Tier,
		domain.StatusQueued,
		job.CostPoints,
		job.Payload,
		job.ExpectedCount,
	); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit spend tx: %w", err)
	}
	job.ID = id
	job.Status = domain.StatusQueued
	job.Charged = true
	return id, nil
}

// FailJob moves a non-terminal job to ERROR and credits the refund in one
// transaction. A transient failure rolls back both, so the caller can simply
// retry the whole operation.
func (r *LedgerRepositoryPG) FailJob(ctx context.Context, id, message string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	fail := `
UPDATE jobs
SET status = $2, error_message = $3, finished_at = now(), locked_at = NULL, locked_by = ''
WHERE id = $1 AND status NOT IN ($4, $5);
`
	if _, err := tx.Exec(ctx, fail, id, domain.StatusError, message, domain.StatusDone, domain.StatusError); err != nil {
		return false, err
	}
	refunded, err := refundJobInTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit fail tx: %w", err)
	}
	return refunded, nil
}

// FailUndispatched force-fails a job only while it is still QUEUED with no
// provider task. A job the dispatcher reached first is left untouched.
func (r *LedgerRepositoryPG) FailUndispatched(ctx context.Context, id, message string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	fail := `
UPDATE jobs
SET status = $2, error_message = $3, finished_at = now(), locked_at = NULL, locked_by = ''
WHERE id = $1 AND status = $4 AND task_id IS NULL;
`
	tag, err := tx.Exec(ctx, fail, id, domain.StatusError, message, domain.StatusQueued)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := refundJobInTx(ctx, tx, id); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit fail tx: %w", err)
	}
	return true, nil
}

// refundJobInTx flips the job's refunded flag and credits the owner inside
// the caller's transaction. The flag flip is the exactly-once gate: only the
// statement that wins it credits points, and DONE jobs are never refundable.
func refundJobInTx(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	flip := `
UPDATE jobs
SET refunded = TRUE
WHERE id = $1 AND charged AND NOT refunded AND status <> $2
RETURNING owner_email, cost_points;
`
	var owner string
	var cost int
	err := tx.QueryRow(ctx, flip, id, domain.StatusDone).Scan(&owner, &cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cost <= 0 {
		return true, nil
	}
	credit := `
INSERT INTO accounts (email, points) VALUES ($1, $2)
ON CONFLICT (email) DO UPDATE SET points = accounts.points + EXCLUDED.points, updated_at = now();
`
	if _, err := tx.Exec(ctx, credit, owner, cost); err != nil {
		return false, err
	}
	return true, nil
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
