// Package worker contains the background half of the job lifecycle: the
// queue dispatcher, the reconciliation loop, the staleness watchdog, and the
// failure compensator they all share.
package worker

import (
	"context"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/infra"
)

// Compensator drives a job to ERROR and refunds its cost exactly once.
// Every failure path in the system goes through it, so the refund policy is
// uniform: any rejection or failure of a charged job refunds it.
type Compensator struct {
	ledger domain.LedgerRepository
	logger infra.Logger
}

// NewCompensator wires the compensation handler.
func NewCompensator(ledger domain.LedgerRepository, logger infra.Logger) *Compensator {
	return &Compensator{ledger: ledger, logger: logger}
}

// Fail marks the job ERROR and credits the refund in one ledger transaction.
// The refunded-flag flip inside that transaction is the idempotency gate:
// concurrent or repeated failure triggers on the same job credit the account
// once. Terminal jobs are left untouched.
func (c *Compensator) Fail(ctx context.Context, job *domain.Job, reason error) {
	refunded, err := c.ledger.FailJob(ctx, job.ID, reasonMessage(reason))
	if err != nil {
		// Nothing was applied; the job stays non-terminal and the watchdog
		// retries the whole path.
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("compensate: fail job")
		return
	}
	if refunded {
		c.logger.Info().
			Str("job_id", job.ID).
			Str("owner", job.OwnerEmail).
			Int("points", job.CostPoints).
			Msg("compensate: points refunded")
	}
}

// FailUndispatched force-fails a QUEUED job that never reached the provider.
// It reports whether the job was failed; false means the dispatcher claimed
// it between the caller's read and this call, and the job runs on.
func (c *Compensator) FailUndispatched(ctx context.Context, job *domain.Job, reason error) bool {
	failed, err := c.ledger.FailUndispatched(ctx, job.ID, reasonMessage(reason))
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("compensate: fail undispatched job")
		return false
	}
	if failed {
		c.logger.Info().
			Str("job_id", job.ID).
			Str("owner", job.OwnerEmail).
			Int("points", job.CostPoints).
			Msg("compensate: undispatched job failed and refunded")
	}
	return failed
}

func reasonMessage(reason error) string {
	if reason == nil {
		return ""
	}
	return reason.Error()
}
