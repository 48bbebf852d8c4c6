// Package apikey validates API keys against the local key store.
package apikey

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/auth"
	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

// Provider implements ports.KeyValidator by hashing the presented key and
// looking the hash up in a ports.KeyStore.
type Provider struct {
	store  ports.KeyStore
	logger *slog.Logger
	now    func() time.Time
	touch  bool
}

var _ ports.KeyValidator = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for last-used bookkeeping failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithoutTouch disables last_used_at updates.
func WithoutTouch() Option {
	return func(p *Provider) { p.touch = false }
}

// NewProvider creates a new API key provider.
func NewProvider(store ports.KeyStore, opts ...Option) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("key store required")
	}
	p := &Provider{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		touch:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ValidateKey validates the key carried by the Authorization header.
func (p *Provider) ValidateKey(ctx context.Context, authorization string) (*domain.KeyInfo, error) {
	token, err := auth.ExtractBearer(authorization)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidCredential, err)
	}

	keyHash := auth.HashAPIKey(token)
	key, err := p.store.GetAPIKeyByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown api key", auth.ErrInvalidCredential)
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(key.KeyHash)) != 1 {
		return nil, fmt.Errorf("%w: unknown api key", auth.ErrInvalidCredential)
	}

	now := p.now()
	if !key.IsActive {
		return nil, fmt.Errorf("%w: api key revoked", auth.ErrInvalidCredential)
	}
	if !key.IsValid(now) {
		return nil, fmt.Errorf("%w: api key expired", auth.ErrInvalidCredential)
	}

	if p.touch {
		go p.touchKey(key.ID, now)
	}

	return &domain.KeyInfo{
		OrganizationID: key.OrganizationID,
		APIKeyID:       key.ID,
		Scopes:         key.Scopes,
	}, nil
}

// touchKey records usage off the request path; failures are only logged.
func (p *Provider) touchKey(id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.TouchAPIKey(ctx, id, at); err != nil {
		p.logger.Warn("failed to record api key use",
			slog.String("api_key_id", id),
			slog.String("error", err.Error()))
	}
}
