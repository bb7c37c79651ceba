package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/infra"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
	"github.com/psvps2-byte/kling-site/internal/provider/openai"
	"github.com/psvps2-byte/kling-site/internal/storage"
)

// AsyncProvider is the external generation provider for queue-based kinds.
type AsyncProvider interface {
	Submit(ctx context.Context, req kling.SubmitRequest) (string, error)
	QueryTask(ctx context.Context, kind domain.Kind, taskID string) (*kling.TaskStatus, error)
}

// ImageGenerator is the synchronous one-shot generation path.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req openai.ImageRequest) (*openai.ImageAsset, error)
}

const downloadRetries = 2

// Reconciler is the long-lived loop that claims one job at a time and drives
// it toward a terminal state. Multiple reconcilers may run concurrently;
// correctness relies on the job store's atomic claim, not on a single-process
// assumption.
type Reconciler struct {
	workerID     string
	jobs         domain.JobRepository
	provider     AsyncProvider
	images       ImageGenerator
	store        storage.BlobStore
	comp         *Compensator
	httpClient   *http.Client
	pollInterval time.Duration
	logger       infra.Logger
}

// NewReconciler wires a reconciliation worker.
func NewReconciler(
	workerID string,
	jobs domain.JobRepository,
	provider AsyncProvider,
	images ImageGenerator,
	store storage.BlobStore,
	comp *Compensator,
	pollInterval time.Duration,
	logger infra.Logger,
) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Reconciler{
		workerID:     workerID,
		jobs:         jobs,
		provider:     provider,
		images:       images,
		store:        store,
		comp:         comp,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run claims and processes jobs until the context is cancelled. A single
// job's error never terminates the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().Str("worker_id", r.workerID).Msg("reconciler: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := r.jobs.ClaimForReconciliation(ctx, r.workerID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				r.logger.Error().Err(err).Msg("reconciler: claim failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
			}
			continue
		}

		r.Process(ctx, job)
	}
}

// Process drives one claimed job a single step. The lock is released on every
// path so another iteration (or worker) can pick the job up again.
func (r *Reconciler) Process(ctx context.Context, job *domain.Job) {
	defer func() {
		if err := r.jobs.ReleaseLock(ctx, job.ID, r.workerID); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: release lock failed")
		}
	}()

	if job.Kind.Synchronous() {
		r.processSync(ctx, job)
		return
	}
	if job.TaskID == "" {
		// Queued async job not yet submitted; the dispatcher owns it.
		return
	}

	status, err := r.provider.QueryTask(ctx, job.Kind, job.TaskID)
	if err != nil {
		// Transient until retries are exhausted upstream; leave the job for
		// the next poll cycle. The watchdog caps how long this can repeat.
		r.logger.Warn().Err(err).Str("job_id", job.ID).Str("task_id", job.TaskID).Msg("reconciler: poll failed")
		return
	}

	switch status.State {
	case kling.StateFailed:
		r.comp.Fail(ctx, job, fmt.Errorf("%w: %s", domain.ErrTerminalProviderFailure, status.Message))
	default:
		// Succeeded, or still in progress with artifacts already visible.
		r.collectArtifacts(ctx, job, status)
	}
}

// collectArtifacts re-hosts every artifact in the poll response and merges
// the durable URLs into the job, finishing it once the expected count is
// reached. Keys are derived from the artifact's position so re-processing the
// same response is idempotent.
func (r *Reconciler) collectArtifacts(ctx context.Context, job *domain.Job, status *kling.TaskStatus) {
	if len(status.Artifacts) == 0 {
		return
	}

	durable := make([]string, 0, len(status.Artifacts))
	for idx, src := range status.Artifacts {
		url, err := r.persistArtifact(ctx, job, idx, src)
		if err != nil {
			// Leave the job RUNNING; the artifact will be re-fetched on the
			// next poll.
			r.logger.Warn().Err(err).Str("job_id", job.ID).Int("index", idx).Msg("reconciler: persist artifact failed")
			continue
		}
		durable = append(durable, url)
	}
	if len(durable) == 0 {
		return
	}

	total, err := r.jobs.MergeArtifacts(ctx, job.ID, durable)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: merge artifacts failed")
		return
	}
	if total >= job.ExpectedCount {
		if err := r.jobs.MarkDone(ctx, job.ID); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: mark done failed")
			return
		}
		r.logger.Info().Str("job_id", job.ID).Int("artifacts", total).Msg("reconciler: job done")
	}
}

// processSync performs the one-shot provider call for kinds that never touch
// the async provider. Any failure here is terminal for the job.
func (r *Reconciler) processSync(ctx context.Context, job *domain.Job) {
	var payload domain.Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		r.comp.Fail(ctx, job, fmt.Errorf("decode payload: %w", err))
		return
	}

	asset, err := r.images.GenerateImage(ctx, openai.ImageRequest{
		Prompt:    payload.Prompt,
		RequestID: job.ID,
	})
	if err != nil {
		r.comp.Fail(ctx, job, fmt.Errorf("%w: %v", domain.ErrProviderRejected, err))
		return
	}

	key := artifactKey(job, 0)
	url, err := r.store.Upload(ctx, key, asset.Data, asset.Format)
	if err != nil {
		r.comp.Fail(ctx, job, fmt.Errorf("persist artifact: %w", err))
		return
	}
	if _, err := r.jobs.MergeArtifacts(ctx, job.ID, []string{url}); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: merge artifact failed")
		return
	}
	if err := r.jobs.MarkDone(ctx, job.ID); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: mark done failed")
		return
	}
	r.logger.Info().Str("job_id", job.ID).Msg("reconciler: sync job done")
}

// persistArtifact downloads one provider artifact and re-uploads it to
// durable storage, returning the permanent URL.
func (r *Reconciler) persistArtifact(ctx context.Context, job *domain.Job, index int, srcURL string) (string, error) {
	data, contentType, err := r.download(ctx, srcURL)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		if job.Kind.Video() {
			contentType = "video/mp4"
		} else {
			contentType = "image/png"
		}
	}
	return r.store.Upload(ctx, artifactKey(job, index), data, contentType)
}

func (r *Reconciler) download(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= downloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", fmt.Errorf("build download request: %w", err)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			lastErr = fmt.Errorf("download status %d", resp.StatusCode)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		contentType := resp.Header.Get("Content-Type")
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return data, contentType, nil
	}
	return nil, "", fmt.Errorf("download %s: %w", url, lastErr)
}

// artifactKey names an artifact by job and position, so the same artifact
// seen across polls lands on the same key and the same durable URL.
func artifactKey(job *domain.Job, index int) string {
	category, ext := "images", ".png"
	if job.Kind.Video() {
		category, ext = "videos", ".mp4"
	}
	return fmt.Sprintf("generated/%s/%s/%02d%s", category, job.ID, index+1, ext)
}
