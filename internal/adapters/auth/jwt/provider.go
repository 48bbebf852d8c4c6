// Package jwt validates HS256 session tokens issued by the identity service.
package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/iotedge-gateway/internal/auth"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

// Config holds the verification parameters for session tokens.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// Provider implements ports.IdentityProvider for locally verifiable JWTs.
type Provider struct {
	secret []byte
	opts   []jwt.ParserOption
	cfg    Config
}

var _ ports.IdentityProvider = (*Provider)(nil)

// NewProvider creates a provider. The secret is required.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &Provider{secret: []byte(cfg.Secret), opts: opts, cfg: cfg}, nil
}

// ValidateSession verifies the token and returns its subject as the user ID.
func (p *Provider) ValidateSession(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return p.secret, nil
	}, p.opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", auth.ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return "", auth.ErrInvalidCredential
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", auth.ErrInvalidCredential)
	}
	return claims.Subject, nil
}

// Issue signs a session token for userID. It is used by tooling and tests;
// production tokens come from the identity service.
func (p *Provider) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	if p.cfg.Now != nil {
		now = p.cfg.Now()
	}
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    p.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if p.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{p.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}
