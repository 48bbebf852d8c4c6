package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
)

// KeyStore looks up API keys by the hash of the secret.
type KeyStore interface {
	// GetAPIKeyByHash returns ErrNotFound when no key has the hash.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
}

// ProfileStore resolves a user's default organization.
type ProfileStore interface {
	// DefaultOrganization returns "" with a nil error when the user has none.
	DefaultOrganization(ctx context.Context, userID string) (string, error)
}

// BucketStore holds rate limit buckets with atomic all-or-nothing consumption.
// Implementations: Redis, SQL, in-process memory.
type BucketStore interface {
	// Consume lazily creates and rolls every bucket, then increments all of
	// them only if none is exhausted. It must be atomic with respect to
	// concurrent callers using the same keys.
	Consume(ctx context.Context, specs []domain.BucketSpec, now time.Time) (*domain.ConsumeResult, error)
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")
