// Package memrepo provides in-memory repository implementations mirroring
// the conditional-update semantics of the PostgreSQL adapters. They back the
// worker and handler tests so lifecycle properties can be exercised without
// a database.
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psvps2-byte/kling-site/internal/domain"
)

const lockStaleAfter = 5 * time.Minute

// Jobs is an in-memory domain.JobRepository.
type Jobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*domain.Job)}
}

// Add inserts a job directly, filling id, status, and created_at defaults.
func (m *Jobs) Add(job *domain.Job) *domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(job)
	return job
}

func (m *Jobs) insertLocked(job *domain.Job) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	cp := *job
	cp.ResultURLs = append([]string(nil), job.ResultURLs...)
	m.jobs[job.ID] = &cp
}

// Snapshot returns a copy of the stored job, or nil.
func (m *Jobs) Snapshot(id string) *domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked(id)
}

func (m *Jobs) copyLocked(id string) *domain.Job {
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	cp.ResultURLs = append([]string(nil), j.ResultURLs...)
	return &cp
}

// SetLock force-sets the reconciliation lock, for staleness tests.
func (m *Jobs) SetLock(id, workerID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.LockedAt = &at
		j.LockedBy = workerID
	}
}

func (m *Jobs) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j := m.copyLocked(id); j != nil {
		return j, nil
	}
	return nil, domain.ErrNotFound
}

func (m *Jobs) ListByOwner(ctx context.Context, email string, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for id, j := range m.jobs {
		if j.OwnerEmail == email {
			out = append(out, *m.copyLocked(id))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Jobs) MarkSubmitted(ctx context.Context, id, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.TaskID != "" || (j.Status != domain.StatusQueued && j.Status != domain.StatusClaimed) {
		return fmt.Errorf("%w: job %s already submitted or terminal", domain.ErrDuplicateOperation, id)
	}
	j.TaskID = taskID
	j.Status = domain.StatusPending
	return nil
}

func (m *Jobs) Requeue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == domain.StatusClaimed && j.TaskID == "" {
		j.Status = domain.StatusQueued
	}
	return nil
}

func (m *Jobs) MarkDone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s already terminal", domain.ErrDuplicateOperation, id)
	}
	now := time.Now()
	j.Status = domain.StatusDone
	j.FinishedAt = &now
	j.LockedAt = nil
	j.LockedBy = ""
	return nil
}

func (m *Jobs) MergeArtifacts(ctx context.Context, id string, urls []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	merged := domain.MergeURLs(j.ResultURLs, urls)
	if j.Status.Terminal() {
		if len(merged) != len(j.ResultURLs) {
			return len(j.ResultURLs), fmt.Errorf("%w: job %s already terminal", domain.ErrDuplicateOperation, id)
		}
		return len(j.ResultURLs), nil
	}
	j.ResultURLs = merged
	return len(merged), nil
}

func (m *Jobs) ClaimQueued(ctx context.Context, kind domain.Kind, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var eligible []*domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.StatusQueued && j.TaskID == "" && j.Kind == kind {
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(a, b int) bool { return eligible[a].CreatedAt.Before(eligible[b].CreatedAt) })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]domain.Job, 0, len(eligible))
	for _, j := range eligible {
		j.Status = domain.StatusClaimed
		out = append(out, *j)
	}
	return out, nil
}

func (m *Jobs) ClaimForReconciliation(ctx context.Context, workerID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var eligible []*domain.Job
	for _, j := range m.jobs {
		switch j.Status {
		case domain.StatusQueued, domain.StatusPending, domain.StatusRunning:
		default:
			continue
		}
		if j.LockedAt != nil && time.Since(*j.LockedAt) < lockStaleAfter {
			continue
		}
		if j.TaskID == "" && !(j.Kind == domain.KindPortrait && j.Status == domain.StatusQueued) {
			continue
		}
		eligible = append(eligible, j)
	}
	if len(eligible) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(eligible, func(a, b int) bool { return eligible[a].CreatedAt.Before(eligible[b].CreatedAt) })
	j := eligible[0]
	now := time.Now()
	j.LockedAt = &now
	j.LockedBy = workerID
	if j.Status == domain.StatusPending {
		j.Status = domain.StatusRunning
	}
	return m.copyLocked(j.ID), nil
}

func (m *Jobs) ReleaseLock(ctx context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.LockedBy == workerID {
		j.LockedAt = nil
		j.LockedBy = ""
	}
	return nil
}

func (m *Jobs) CountRunning(ctx context.Context, kind domain.Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Kind != kind {
			continue
		}
		switch j.Status {
		case domain.StatusClaimed, domain.StatusPending, domain.StatusRunning:
			n++
		}
	}
	return n, nil
}

func (m *Jobs) ListStale(ctx context.Context, queuedCutoff, runningCutoff time.Time) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for id, j := range m.jobs {
		queuedStale := j.Status == domain.StatusQueued && j.TaskID == "" && j.CreatedAt.Before(queuedCutoff)
		runningStale := (j.Status == domain.StatusClaimed || j.Status == domain.StatusPending || j.Status == domain.StatusRunning) &&
			j.CreatedAt.Before(runningCutoff)
		if queuedStale || runningStale {
			out = append(out, *m.copyLocked(id))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

var _ domain.JobRepository = (*Jobs)(nil)

// Ledger is an in-memory domain.LedgerRepository. SpendAndCreateJob inserts
// into the linked Jobs under the same lock as the debit, matching the
// transactional adapter.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int
	jobs     *Jobs
	refunds  int
	failErr  error
}

func NewLedger(jobs *Jobs) *Ledger {
	return &Ledger{balances: make(map[string]int), jobs: jobs}
}

func (m *Ledger) SetBalance(email string, points int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[email] = points
}

// RefundCount reports how many times points were credited back.
func (m *Ledger) RefundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunds
}

// InjectFailErr makes the next FailJob or FailUndispatched call return err
// without applying anything, the way a rolled-back transaction would.
func (m *Ledger) InjectFailErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *Ledger) EnsureAccount(ctx context.Context, email string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[email]; !ok {
		m.balances[email] = 0
	}
	return &domain.Account{Email: email, Points: m.balances[email]}, nil
}

func (m *Ledger) Balance(ctx context.Context, email string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[email]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	return balance, nil
}

func (m *Ledger) Spend(ctx context.Context, email string, amount int) (int, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[email]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	if balance < amount {
		return 0, domain.ErrInsufficientFunds
	}
	m.balances[email] = balance - amount
	return m.balances[email], nil
}

func (m *Ledger) Refund(ctx context.Context, email string, amount int) (int, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[email]; !ok {
		return 0, domain.ErrAccountNotFound
	}
	m.balances[email] += amount
	m.refunds++
	return m.balances[email], nil
}

func (m *Ledger) Credit(ctx context.Context, email string, amount int) (int, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[email] += amount
	return m.balances[email], nil
}

func (m *Ledger) SpendAndCreateJob(ctx context.Context, job *domain.Job) (string, error) {
	if job.CostPoints <= 0 {
		return "", domain.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[job.OwnerEmail]
	if !ok {
		return "", domain.ErrAccountNotFound
	}
	if balance < job.CostPoints {
		return "", domain.ErrInsufficientFunds
	}
	m.balances[job.OwnerEmail] = balance - job.CostPoints
	job.Status = domain.StatusQueued
	job.Charged = true
	m.jobs.mu.Lock()
	m.jobs.insertLocked(job)
	m.jobs.mu.Unlock()
	return job.ID, nil
}

// FailJob mirrors the transactional adapter: the ERROR transition, the
// refunded-flag flip, and the credit apply together or not at all.
func (m *Ledger) FailJob(ctx context.Context, id, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs.mu.Lock()
	defer m.jobs.mu.Unlock()
	if err := m.consumeFailErrLocked(); err != nil {
		return false, err
	}
	j, ok := m.jobs.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !j.Status.Terminal() {
		markErrorLocked(j, message)
	}
	return m.refundLocked(j), nil
}

// FailUndispatched force-fails a job only while it is still QUEUED with no
// provider task.
func (m *Ledger) FailUndispatched(ctx context.Context, id, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs.mu.Lock()
	defer m.jobs.mu.Unlock()
	if err := m.consumeFailErrLocked(); err != nil {
		return false, err
	}
	j, ok := m.jobs.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.Status != domain.StatusQueued || j.TaskID != "" {
		return false, nil
	}
	markErrorLocked(j, message)
	m.refundLocked(j)
	return true, nil
}

func (m *Ledger) consumeFailErrLocked() error {
	err := m.failErr
	m.failErr = nil
	return err
}

func (m *Ledger) refundLocked(j *domain.Job) bool {
	if !j.Charged || j.Refunded || j.Status == domain.StatusDone {
		return false
	}
	j.Refunded = true
	if j.CostPoints > 0 {
		m.balances[j.OwnerEmail] += j.CostPoints
		m.refunds++
	}
	return true
}

func markErrorLocked(j *domain.Job, message string) {
	now := time.Now()
	j.Status = domain.StatusError
	j.ErrorMessage = message
	j.FinishedAt = &now
	j.LockedAt = nil
	j.LockedBy = ""
}

var _ domain.LedgerRepository = (*Ledger)(nil)

// Payments is an in-memory domain.PaymentRepository.
type Payments struct {
	mu      sync.Mutex
	intents map[string]*domain.PaymentIntent
}

func NewPayments() *Payments {
	return &Payments{intents: make(map[string]*domain.PaymentIntent)}
}

func (m *Payments) Create(ctx context.Context, intent *domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.Status == "" {
		intent.Status = domain.PaymentPending
	}
	intent.CreatedAt = time.Now()
	cp := *intent
	m.intents[intent.ID] = &cp
	return nil
}

func (m *Payments) GetByID(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.intents[id]; ok {
		cp := *intent
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *Payments) MarkPaid(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if intent.Status != domain.PaymentPending {
		return false, nil
	}
	intent.Status = domain.PaymentPaid
	intent.UpdatedAt = time.Now()
	return true, nil
}

func (m *Payments) MarkFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return domain.ErrNotFound
	}
	if intent.Status == domain.PaymentPending {
		intent.Status = domain.PaymentFailed
		intent.UpdatedAt = time.Now()
	}
	return nil
}

var _ domain.PaymentRepository = (*Payments)(nil)
