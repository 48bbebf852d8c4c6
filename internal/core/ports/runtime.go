// Package ports defines the core interfaces for the gateway.
// Adapters under internal/adapters and internal/storage implement them.
package ports

import (
	"context"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based with hot reload (default), static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// IdentityProvider validates session tokens.
// Implementations: HS256 JWT.
type IdentityProvider interface {
	// ValidateSession returns the subject (user id) of a valid token.
	ValidateSession(ctx context.Context, token string) (string, error)
}

// KeyValidator validates API keys.
// Implementations: local key store, remote validation service.
type KeyValidator interface {
	// ValidateKey receives the raw Authorization header value.
	ValidateKey(ctx context.Context, authorization string) (*domain.KeyInfo, error)
}

// UsageSink persists usage records.
// Implementations: SQL usage_logs table, AMQP publisher.
type UsageSink interface {
	WriteUsage(ctx context.Context, rec *domain.UsageRecord) error
	Close() error
}
