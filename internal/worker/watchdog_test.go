package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psvps2-byte/kling-site/internal/domain"
)

func TestWatchdogForceFailsStaleJobs(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 0)
	comp := NewCompensator(ledger, nopLogger())
	w := NewWatchdog(jobs, comp, 3*time.Minute, 30*time.Minute, time.Minute, nopLogger())

	staleQueued := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindPhoto,
		Status:     domain.StatusQueued,
		CostPoints: 3,
		Charged:    true,
		CreatedAt:  time.Now().Add(-10 * time.Minute),
	})
	staleRunning := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindImage2Video,
		Status:     domain.StatusRunning,
		CostPoints: 20,
		Charged:    true,
		TaskID:     "task-1",
		CreatedAt:  time.Now().Add(-45 * time.Minute),
	})
	freshQueued := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindPhoto,
		Status:     domain.StatusQueued,
		CostPoints: 3,
		Charged:    true,
		CreatedAt:  time.Now(),
	})
	freshRunning := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindPhoto,
		Status:     domain.StatusRunning,
		CostPoints: 3,
		Charged:    true,
		TaskID:     "task-2",
		CreatedAt:  time.Now().Add(-10 * time.Minute),
	})

	if err := w.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	for _, tc := range []struct {
		name string
		id   string
		want domain.Status
	}{
		{"stale queued", staleQueued.ID, domain.StatusError},
		{"stale running", staleRunning.ID, domain.StatusError},
		{"fresh queued", freshQueued.ID, domain.StatusQueued},
		{"fresh running", freshRunning.ID, domain.StatusRunning},
	} {
		if got := jobs.Snapshot(tc.id); got.Status != tc.want {
			t.Errorf("%s: status = %s, want %s", tc.name, got.Status, tc.want)
		}
	}

	// Both stale jobs refunded in full.
	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 23 {
		t.Fatalf("balance = %d, want 23", balance)
	}
	if ledger.RefundCount() != 2 {
		t.Fatalf("refund count = %d, want 2", ledger.RefundCount())
	}
}

func TestWatchdogSweepIsIdempotent(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 0)
	comp := NewCompensator(ledger, nopLogger())
	w := NewWatchdog(jobs, comp, 3*time.Minute, 30*time.Minute, time.Minute, nopLogger())

	jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindPhoto,
		Status:     domain.StatusQueued,
		CostPoints: 3,
		Charged:    true,
		CreatedAt:  time.Now().Add(-10 * time.Minute),
	})

	for i := 0; i < 3; i++ {
		if err := w.SweepOnce(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 3 {
		t.Fatalf("balance = %d, want 3 after one refund", balance)
	}
	if ledger.RefundCount() != 1 {
		t.Fatalf("refund count = %d, want 1", ledger.RefundCount())
	}
}

func TestCompensateConcurrentFailRefundsOnce(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 0)
	comp := NewCompensator(ledger, nopLogger())

	job := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindPhoto,
		Status:     domain.StatusRunning,
		CostPoints: 6,
		Charged:    true,
		TaskID:     "task-1",
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := jobs.Snapshot(job.ID)
			comp.Fail(context.Background(), snap, domain.ErrStaleJob)
		}()
	}
	wg.Wait()

	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 6 {
		t.Fatalf("balance = %d, want exactly one 6 point refund", balance)
	}
	if ledger.RefundCount() != 1 {
		t.Fatalf("refund count = %d, want 1", ledger.RefundCount())
	}
	if got := jobs.Snapshot(job.ID); got.Status != domain.StatusError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
}

func TestCompensateRetriesAfterTransientFailure(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 7)
	comp := NewCompensator(ledger, nopLogger())

	job := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindImage2Video,
		Status:     domain.StatusRunning,
		CostPoints: 20,
		Charged:    true,
		TaskID:     "task-1",
	})

	// A failed transaction must leave the job unrefunded and non-terminal so
	// the next attempt can still win the refund.
	ledger.InjectFailErr(errors.New("connection reset"))
	comp.Fail(context.Background(), jobs.Snapshot(job.ID), domain.ErrTerminalProviderFailure)

	got := jobs.Snapshot(job.ID)
	if got.Status != domain.StatusRunning || got.Refunded {
		t.Fatalf("after failed compensation: status = %s refunded = %v, want RUNNING false", got.Status, got.Refunded)
	}
	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 7 {
		t.Fatalf("balance = %d, want 7 untouched", balance)
	}

	comp.Fail(context.Background(), jobs.Snapshot(job.ID), domain.ErrTerminalProviderFailure)
	got = jobs.Snapshot(job.ID)
	if got.Status != domain.StatusError || !got.Refunded {
		t.Fatalf("after retry: status = %s refunded = %v, want ERROR true", got.Status, got.Refunded)
	}
	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 27 {
		t.Fatalf("balance = %d, want 27", balance)
	}

	comp.Fail(context.Background(), jobs.Snapshot(job.ID), domain.ErrTerminalProviderFailure)
	if ledger.RefundCount() != 1 {
		t.Fatalf("refund count = %d, want 1", ledger.RefundCount())
	}
}

func TestWatchdogSkipsJobDispatchedDuringSweep(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 0)
	comp := NewCompensator(ledger, nopLogger())

	job := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindPhoto,
		Status:     domain.StatusQueued,
		CostPoints: 3,
		Charged:    true,
		CreatedAt:  time.Now().Add(-10 * time.Minute),
	})

	now := time.Now()
	stale, err := jobs.ListStale(context.Background(), now.Add(-3*time.Minute), now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale jobs = %d, want 1", len(stale))
	}

	// The dispatcher wins the race after the stale read: the job now has a
	// live provider task.
	claimed, err := jobs.ClaimQueued(context.Background(), domain.KindPhoto, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimQueued: %v (%d claimed)", err, len(claimed))
	}
	if err := jobs.MarkSubmitted(context.Background(), job.ID, "task-live"); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}

	if comp.FailUndispatched(context.Background(), &stale[0], domain.ErrStaleJob) {
		t.Fatal("a dispatched job must not be force-failed")
	}

	got := jobs.Snapshot(job.ID)
	if got.Status != domain.StatusPending || got.TaskID != "task-live" || got.Refunded {
		t.Fatalf("job = %s/%s refunded=%v, want PENDING/task-live false", got.Status, got.TaskID, got.Refunded)
	}
	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 0 {
		t.Fatalf("balance = %d, a live task must not be refunded", balance)
	}
	if ledger.RefundCount() != 0 {
		t.Fatalf("refund count = %d, want 0", ledger.RefundCount())
	}
}

func TestCompensateNeverRefundsDoneJob(t *testing.T) {
	jobs := newMemJobs()
	ledger := newMemLedger(jobs)
	ledger.SetBalance("a@x.com", 0)
	comp := NewCompensator(ledger, nopLogger())

	job := jobs.Add(&domain.Job{
		OwnerEmail: "a@x.com",
		Kind:       domain.KindPhoto,
		Status:     domain.StatusRunning,
		CostPoints: 3,
		Charged:    true,
		TaskID:     "task-1",
		ResultURLs: []string{"https://store.local/x"},
	})
	if err := jobs.MarkDone(context.Background(), job.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	comp.Fail(context.Background(), jobs.Snapshot(job.ID), domain.ErrStaleJob)

	got := jobs.Snapshot(job.ID)
	if got.Status != domain.StatusDone {
		t.Fatalf("status = %s, DONE must stay DONE", got.Status)
	}
	if balance, _ := ledger.Balance(context.Background(), "a@x.com"); balance != 0 {
		t.Fatalf("balance = %d, a finished job must never be refunded", balance)
	}
}
