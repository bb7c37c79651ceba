package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/infra"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
)

// Dispatcher periodically drains queued photo jobs into the async provider,
// respecting a global concurrency ceiling. The cap is best effort: the count
// and the claim are two statements, so racing dispatchers may overshoot by at
// most one batch, which provider-side queuing tolerates.
type Dispatcher struct {
	jobs          domain.JobRepository
	provider      AsyncProvider
	comp          *Compensator
	maxConcurrent int
	interval      time.Duration
	logger        infra.Logger
}

// NewDispatcher wires the queue dispatcher.
func NewDispatcher(
	jobs domain.JobRepository,
	provider AsyncProvider,
	comp *Compensator,
	maxConcurrent int,
	interval time.Duration,
	logger infra.Logger,
) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		jobs:          jobs,
		provider:      provider,
		comp:          comp,
		maxConcurrent: maxConcurrent,
		interval:      interval,
		logger:        logger,
	}
}

// Run dispatches on a fixed interval until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("max_concurrent", d.maxConcurrent).Msg("dispatcher: started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error().Err(err).Msg("dispatcher: pass failed")
			}
		}
	}
}

// DispatchOnce claims up to the remaining capacity of queued photo jobs and
// submits each to the provider.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	running, err := d.jobs.CountRunning(ctx, domain.KindPhoto)
	if err != nil {
		return fmt.Errorf("count running: %w", err)
	}
	limit := d.maxConcurrent - running
	if limit <= 0 {
		return nil
	}

	claimed, err := d.jobs.ClaimQueued(ctx, domain.KindPhoto, limit)
	if err != nil {
		return fmt.Errorf("claim queued: %w", err)
	}

	for i := range claimed {
		d.submit(ctx, &claimed[i])
	}
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, job *domain.Job) {
	var payload domain.Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		d.comp.Fail(ctx, job, fmt.Errorf("decode payload: %w", err))
		return
	}

	taskID, err := d.provider.Submit(ctx, kling.SubmitRequest{
		Kind:    job.Kind,
		Tier:    job.Tier,
		Payload: payload,
	})
	if err != nil {
		// The debit happened at admission, so a rejected submission is
		// compensated like any other failure.
		d.comp.Fail(ctx, job, err)
		return
	}
	if taskID == "" {
		// Provider accepted but returned no task id; give it back to the
		// queue for a later attempt.
		if err := d.jobs.Requeue(ctx, job.ID); err != nil {
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatcher: requeue failed")
		}
		return
	}

	if err := d.jobs.MarkSubmitted(ctx, job.ID, taskID); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Str("task_id", taskID).Msg("dispatcher: mark submitted failed")
		return
	}
	d.logger.Info().Str("job_id", job.ID).Str("task_id", taskID).Msg("dispatcher: job submitted")
}
