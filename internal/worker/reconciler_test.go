package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/psvps2-byte/kling-site/internal/adapter/memrepo"
	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
)

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// artifactServer serves fake provider artifacts for the re-hosting path.
func artifactServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("artifact:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestReconciler(jobs *memrepo.Jobs, ledger *memrepo.Ledger, provider *fakeProvider, images *fakeImages, store *memStore) *Reconciler {
	comp := NewCompensator(ledger, nopLogger())
	return NewReconciler("worker-1", jobs, provider, images, store, comp, time.Millisecond, nopLogger())
}

func TestReconcilerAccumulatesUntilExpectedCount(t *testing.T) {
	srv := artifactServer(t)
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 10)
	store := newMemStore()

	job := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindPhoto,
		Status:        domain.StatusPending,
		CostPoints:    9,
		Charged:       true,
		TaskID:        "task-1",
		ExpectedCount: 3,
		Payload:       []byte(`{"prompt":"a cat","count":3}`),
	})

	polls := []*kling.TaskStatus{
		{State: kling.StateInProgress, Artifacts: []string{srv.URL + "/a1"}},
		// Same first artifact re-reported alongside a new one.
		{State: kling.StateInProgress, Artifacts: []string{srv.URL + "/a1", srv.URL + "/a2"}},
		{State: kling.StateSucceeded, Artifacts: []string{srv.URL + "/a1", srv.URL + "/a2", srv.URL + "/a3"}},
	}
	var pollIdx int
	provider := &fakeProvider{queryFn: func(kind domain.Kind, taskID string) (*kling.TaskStatus, error) {
		if taskID != "task-1" {
			t.Errorf("taskID = %q", taskID)
		}
		status := polls[pollIdx]
		if pollIdx < len(polls)-1 {
			pollIdx++
		}
		return status, nil
	}}

	r := newTestReconciler(jobs, ledger, provider, &fakeImages{}, store)
	ctx := context.Background()

	wantCounts := []int{1, 2, 3}
	for i, want := range wantCounts {
		claimed, err := jobs.ClaimForReconciliation(ctx, "worker-1")
		if err != nil {
			t.Fatalf("poll %d: claim: %v", i, err)
		}
		r.Process(ctx, claimed)
		got := jobs.Snapshot(job.ID)
		if len(got.ResultURLs) != want {
			t.Fatalf("poll %d: result urls = %d, want %d", i, len(got.ResultURLs), want)
		}
		wantStatus := domain.StatusRunning
		if want == 3 {
			wantStatus = domain.StatusDone
		}
		if got.Status != wantStatus {
			t.Fatalf("poll %d: status = %s, want %s", i, got.Status, wantStatus)
		}
		if got.LockedAt != nil {
			t.Fatalf("poll %d: lock not released", i)
		}
	}

	// Re-hosted URLs are positional and stable.
	got := jobs.Snapshot(job.ID)
	for i, u := range got.ResultURLs {
		want := fmt.Sprintf("https://store.local/generated/images/%s/%02d.png", job.ID, i+1)
		if u != want {
			t.Fatalf("url[%d] = %q, want %q", i, u, want)
		}
	}
	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 10 {
		t.Fatalf("successful job must not touch the balance, got %d", balance)
	}
}

func TestReconcilerMergeIdempotent(t *testing.T) {
	srv := artifactServer(t)
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	store := newMemStore()

	job := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindPhoto,
		Status:        domain.StatusRunning,
		TaskID:        "task-1",
		ExpectedCount: 3,
	})

	status := &kling.TaskStatus{
		State:     kling.StateInProgress,
		Artifacts: []string{srv.URL + "/a1", srv.URL + "/a2"},
	}
	provider := &fakeProvider{queryFn: func(domain.Kind, string) (*kling.TaskStatus, error) {
		return status, nil
	}}
	r := newTestReconciler(jobs, ledger, provider, &fakeImages{}, store)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		claimed, err := jobs.ClaimForReconciliation(ctx, "worker-1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		r.Process(ctx, claimed)
	}

	got := jobs.Snapshot(job.ID)
	if len(got.ResultURLs) != 2 {
		t.Fatalf("processing the same response three times produced %d urls, want 2", len(got.ResultURLs))
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want RUNNING below expected count", got.Status)
	}
}

func TestReconcilerTerminalFailureRefundsOnce(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 7)

	job := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindImage2Video,
		Status:        domain.StatusRunning,
		CostPoints:    20,
		Charged:       true,
		TaskID:        "task-1",
		ExpectedCount: 1,
	})

	provider := &fakeProvider{queryFn: func(domain.Kind, string) (*kling.TaskStatus, error) {
		return &kling.TaskStatus{State: kling.StateFailed, Message: "content policy"}, nil
	}}
	r := newTestReconciler(jobs, ledger, provider, &fakeImages{}, newMemStore())

	ctx := context.Background()
	claimed, err := jobs.ClaimForReconciliation(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	r.Process(ctx, claimed)

	got := jobs.Snapshot(job.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if !got.Refunded {
		t.Fatal("refunded flag not set")
	}
	if balance, _ := ledger.Balance(ctx, "a@x.com"); balance != 27 {
		t.Fatalf("balance = %d, want 27", balance)
	}

	// A second failure trigger on the same job must not credit again.
	r.comp.Fail(ctx, got, domain.ErrTerminalProviderFailure)
	if balance, _ := ledger.Balance(ctx, "a@x.com"); balance != 27 {
		t.Fatalf("balance after repeated Fail = %d, want 27", balance)
	}
	if ledger.RefundCount() != 1 {
		t.Fatalf("refund count = %d, want 1", ledger.RefundCount())
	}
}

func TestReconcilerPollErrorLeavesJobInFlight(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)

	job := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindPhoto,
		Status:        domain.StatusPending,
		TaskID:        "task-1",
		ExpectedCount: 1,
	})

	provider := &fakeProvider{queryFn: func(domain.Kind, string) (*kling.TaskStatus, error) {
		return nil, errors.New("gateway timeout")
	}}
	r := newTestReconciler(jobs, ledger, provider, &fakeImages{}, newMemStore())

	ctx := context.Background()
	claimed, err := jobs.ClaimForReconciliation(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	r.Process(ctx, claimed)

	got := jobs.Snapshot(job.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want RUNNING after transient poll error", got.Status)
	}
	if got.LockedAt != nil {
		t.Fatal("lock not released after poll error")
	}
}

func TestReconcilerSyncPortrait(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 5)
	store := newMemStore()

	job := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindPortrait,
		Status:        domain.StatusQueued,
		CostPoints:    5,
		Charged:       true,
		ExpectedCount: 1,
		Payload:       []byte(`{"prompt":"corporate headshot"}`),
	})

	r := newTestReconciler(jobs, ledger, &fakeProvider{}, &fakeImages{}, store)
	ctx := context.Background()

	claimed, err := jobs.ClaimForReconciliation(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != job.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, job.ID)
	}
	r.Process(ctx, claimed)

	got := jobs.Snapshot(job.ID)
	if got.Status != domain.StatusDone {
		t.Fatalf("status = %s, want DONE", got.Status)
	}
	want := fmt.Sprintf("https://store.local/generated/images/%s/01.png", job.ID)
	if len(got.ResultURLs) != 1 || got.ResultURLs[0] != want {
		t.Fatalf("result urls = %v, want [%s]", got.ResultURLs, want)
	}
	if balance, _ := ledger.Balance(ctx, "a@x.com"); balance != 5 {
		t.Fatalf("balance = %d, want 5", balance)
	}
}

func TestReconcilerSyncFailureRefunds(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 0)

	job := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindPortrait,
		Status:        domain.StatusQueued,
		CostPoints:    5,
		Charged:       true,
		ExpectedCount: 1,
		Payload:       []byte(`{"prompt":"x"}`),
	})

	images := &fakeImages{err: errors.New("model overloaded")}
	r := newTestReconciler(jobs, ledger, &fakeProvider{}, images, newMemStore())
	ctx := context.Background()

	claimed, err := jobs.ClaimForReconciliation(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	r.Process(ctx, claimed)

	got := jobs.Snapshot(job.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if balance, _ := ledger.Balance(ctx, "a@x.com"); balance != 5 {
		t.Fatalf("balance = %d, want 5 after refund", balance)
	}
}

func TestClaimForReconciliationExclusive(t *testing.T) {
	jobs := newMemJobs()
	const jobCount = 8
	for i := 0; i < jobCount; i++ {
		jobs.Add(&domain.Job{
			OwnerEmail:    "a@x.com",
			Kind:          domain.KindPhoto,
			Status:        domain.StatusPending,
			TaskID:        fmt.Sprintf("task-%d", i),
			ExpectedCount: 1,
			CreatedAt:     time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := jobs.ClaimForReconciliation(context.Background(), workerID)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
				// Hold the lock; never release, so each job is claimable once.
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobCount)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimForReconciliationIgnoresStaleLocks(t *testing.T) {
	jobs := newMemJobs()
	stale := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()

	abandoned := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindPhoto,
		Status:        domain.StatusRunning,
		TaskID:        "task-a",
		ExpectedCount: 1,
		CreatedAt:     time.Now().Add(-time.Hour),
	})
	jobs.SetLock(abandoned.ID, "dead-worker", stale)

	held := jobs.Add(&domain.Job{
		OwnerEmail:    "a@x.com",
		Kind:          domain.KindPhoto,
		Status:        domain.StatusRunning,
		TaskID:        "task-b",
		ExpectedCount: 1,
	})
	jobs.SetLock(held.ID, "live-worker", fresh)

	got, err := jobs.ClaimForReconciliation(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != abandoned.ID {
		t.Fatalf("claimed %s, want the stale-locked job %s", got.ID, abandoned.ID)
	}
	if _, err := jobs.ClaimForReconciliation(context.Background(), "worker-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("fresh lock must block the claim, got %v", err)
	}
}
