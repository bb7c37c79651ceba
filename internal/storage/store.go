// Package storage persists generated artifacts behind a stable blob store
// interface. Provider URLs are transient; every artifact a job keeps must be
// re-hosted through a BlobStore before the job can finish.
package storage

import "context"

// BlobStore writes artifact bytes under a key and returns the permanent URL.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}
