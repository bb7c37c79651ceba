package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/psvps2-byte/kling-site/internal/adapter/memrepo"
	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
	"github.com/psvps2-byte/kling-site/internal/provider/openai"
)

func newMemJobs() *memrepo.Jobs { return memrepo.NewJobs() }

func newMemLedger(jobs *memrepo.Jobs) *memrepo.Ledger { return memrepo.NewLedger(jobs) }

// fakeProvider scripts Submit and QueryTask behavior.
type fakeProvider struct {
	mu       sync.Mutex
	submits  int
	submitFn func(req kling.SubmitRequest) (string, error)
	queryFn  func(kind domain.Kind, taskID string) (*kling.TaskStatus, error)
}

func (f *fakeProvider) Submit(ctx context.Context, req kling.SubmitRequest) (string, error) {
	f.mu.Lock()
	f.submits++
	fn := f.submitFn
	f.mu.Unlock()
	if fn == nil {
		return "task-" + uuid.NewString()[:8], nil
	}
	return fn(req)
}

func (f *fakeProvider) QueryTask(ctx context.Context, kind domain.Kind, taskID string) (*kling.TaskStatus, error) {
	f.mu.Lock()
	fn := f.queryFn
	f.mu.Unlock()
	if fn == nil {
		return &kling.TaskStatus{State: kling.StateInProgress}, nil
	}
	return fn(kind, taskID)
}

func (f *fakeProvider) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// fakeImages scripts the synchronous generation path.
type fakeImages struct {
	asset *openai.ImageAsset
	err   error
}

func (f *fakeImages) GenerateImage(ctx context.Context, req openai.ImageRequest) (*openai.ImageAsset, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.asset != nil {
		return f.asset, nil
	}
	return &openai.ImageAsset{Data: []byte("png"), Format: "image/png"}, nil
}

// memStore is an in-memory BlobStore returning stable URLs per key.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return "https://store.local/" + key, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
