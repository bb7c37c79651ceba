package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/infra"
)

// Watchdog force-fails jobs stuck beyond their age thresholds: QUEUED jobs
// that never got a task id within the grace period, and in-flight jobs past
// the running ceiling. Compensation goes through the shared Compensator, so
// a job that was already refunded is not refunded again.
type Watchdog struct {
	jobs           domain.JobRepository
	comp           *Compensator
	queuedGrace    time.Duration
	runningCeiling time.Duration
	interval       time.Duration
	logger         infra.Logger
}

// NewWatchdog wires the staleness watchdog.
func NewWatchdog(
	jobs domain.JobRepository,
	comp *Compensator,
	queuedGrace, runningCeiling, interval time.Duration,
	logger infra.Logger,
) *Watchdog {
	if queuedGrace <= 0 {
		queuedGrace = 3 * time.Minute
	}
	if runningCeiling <= 0 {
		runningCeiling = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{
		jobs:           jobs,
		comp:           comp,
		queuedGrace:    queuedGrace,
		runningCeiling: runningCeiling,
		interval:       interval,
		logger:         logger,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("queued_grace", w.queuedGrace).
		Dur("running_ceiling", w.runningCeiling).
		Msg("watchdog: started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("watchdog: sweep failed")
			}
		}
	}
}

// SweepOnce force-fails every job currently past its threshold.
func (w *Watchdog) SweepOnce(ctx context.Context) error {
	now := time.Now()
	stale, err := w.jobs.ListStale(ctx, now.Add(-w.queuedGrace), now.Add(-w.runningCeiling))
	if err != nil {
		return fmt.Errorf("list stale: %w", err)
	}
	for i := range stale {
		job := &stale[i]
		w.logger.Warn().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Time("created_at", job.CreatedAt).
			Msg("watchdog: force-failing stale job")
		if job.Status == domain.StatusQueued {
			// The fail is conditional: if the dispatcher claimed the job
			// after ListStale, its provider task is live and it must not be
			// refunded here.
			if !w.comp.FailUndispatched(ctx, job, domain.ErrStaleJob) {
				w.logger.Info().Str("job_id", job.ID).Msg("watchdog: job dispatched during sweep, skipping")
			}
			continue
		}
		w.comp.Fail(ctx, job, domain.ErrStaleJob)
	}
	return nil
}
