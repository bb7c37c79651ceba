package domain

import (
	"context"
	"time"
)

// LedgerRepository performs atomic balance operations. Every mutation is a
// single conditional statement or transaction; partial application (a debit
// without a job, or a job without a debit) must be impossible.
type LedgerRepository interface {
	// EnsureAccount creates the account on first access and returns it.
	EnsureAccount(ctx context.Context, email string) (*Account, error)
	Balance(ctx context.Context, email string) (int, error)
	// Spend decrements the balance, failing with ErrInsufficientFunds when
	// the balance is below amount and ErrInvalidAmount when amount <= 0.
	Spend(ctx context.Context, email string, amount int) (int, error)
	// Refund increments the balance. It backs the admin adjustment endpoint;
	// job compensation goes through FailJob so the credit and the job's
	// refunded flag always move together.
	Refund(ctx context.Context, email string, amount int) (int, error)
	// Credit adds purchased points, creating the account if needed.
	Credit(ctx context.Context, email string, amount int) (int, error)
	// SpendAndCreateJob debits job.CostPoints and inserts the job row with
	// status QUEUED in one transaction, returning the new job id.
	SpendAndCreateJob(ctx context.Context, job *Job) (string, error)
	// FailJob moves a non-terminal job to ERROR and, when it wins the
	// refunded-flag flip, credits the owner's balance in the same
	// transaction. It reports whether this call refunded the points. An
	// error means nothing was applied and the whole call may be retried.
	FailJob(ctx context.Context, id, message string) (bool, error)
	// FailUndispatched is FailJob restricted to jobs still QUEUED with no
	// provider task. It reports whether the job was force-failed; false
	// without an error means the job was dispatched in the meantime and
	// must be left alone.
	FailUndispatched(ctx context.Context, id, message string) (bool, error)
}

// JobRepository is the durable job store. All claim operations are atomic
// conditional updates so that concurrent workers never double-process a job,
// and terminal rows are never mutated.
type JobRepository interface {
	GetByID(ctx context.Context, id string) (*Job, error)
	ListByOwner(ctx context.Context, email string, limit int) ([]Job, error)

	// MarkSubmitted records the provider task id and moves the job to
	// PENDING. It refuses to overwrite a task id that is already set.
	MarkSubmitted(ctx context.Context, id, taskID string) error
	// Requeue returns a CLAIMED job to QUEUED for a later dispatch attempt.
	Requeue(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id string) error
	// MergeArtifacts merges urls into result_urls (append-only, deduplicated)
	// and returns the resulting artifact count.
	MergeArtifacts(ctx context.Context, id string, urls []string) (int, error)

	// ClaimQueued atomically transitions up to limit oldest QUEUED jobs of
	// the kind (task id still unset) to CLAIMED and returns them.
	ClaimQueued(ctx context.Context, kind Kind, limit int) ([]Job, error)
	// ClaimForReconciliation atomically locks one job needing attention for
	// workerID, or returns ErrNotFound when nothing is eligible.
	ClaimForReconciliation(ctx context.Context, workerID string) (*Job, error)
	ReleaseLock(ctx context.Context, id, workerID string) error

	CountRunning(ctx context.Context, kind Kind) (int, error)
	// ListStale returns jobs past the queued grace period (no task id yet) or
	// past the running ceiling, for the watchdog to force-fail.
	ListStale(ctx context.Context, queuedCutoff, runningCutoff time.Time) ([]Job, error)
}

// PaymentRepository persists payment intents.
type PaymentRepository interface {
	Create(ctx context.Context, intent *PaymentIntent) error
	GetByID(ctx context.Context, id string) (*PaymentIntent, error)
	// MarkPaid performs the conditional PENDING to PAID transition and
	// reports whether this call won it.
	MarkPaid(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string) error
}
