// Package auth resolves the Authorization header of a request into a
// domain.TenantContext. Session tokens (JWTs) and API keys are told apart by
// shape; each kind is validated by its own port.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

// DefaultKeyPrefix marks API keys issued by this gateway.
const DefaultKeyPrefix = "iotk_"

// DefaultTimeout bounds each identity or key validation call.
const DefaultTimeout = 5 * time.Second

// Resolver validates credentials and produces tenant contexts.
type Resolver struct {
	identity  ports.IdentityProvider
	profiles  ports.ProfileStore
	keys      ports.KeyValidator
	keyPrefix string
	timeout   time.Duration
}

// Config wires the resolver's collaborators.
type Config struct {
	Identity  ports.IdentityProvider
	Profiles  ports.ProfileStore
	Keys      ports.KeyValidator
	KeyPrefix string
	Timeout   time.Duration
}

// NewResolver creates a resolver. A nil Identity disables session tokens; a
// nil Keys disables API keys.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		identity:  cfg.Identity,
		profiles:  cfg.Profiles,
		keys:      cfg.Keys,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.Timeout,
	}
	if r.keyPrefix == "" {
		r.keyPrefix = DefaultKeyPrefix
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	return r
}

// Resolve authenticates the raw Authorization header. required lists the
// scopes of which an API key must hold at least one; session callers are not
// scope-checked.
func (r *Resolver) Resolve(ctx context.Context, authorization string, required []domain.Scope) (domain.TenantContext, error) {
	token, err := ExtractBearer(authorization)
	if err != nil {
		return domain.TenantContext{}, domain.ErrUnauthenticated(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	switch {
	case strings.HasPrefix(token, r.keyPrefix):
		if r.keys == nil {
			return domain.TenantContext{}, domain.ErrUnauthenticated("api keys are not accepted")
		}
		return r.resolveAPIKey(ctx, authorization, required)
	case IsJWTShaped(token):
		if r.identity == nil {
			return domain.TenantContext{}, domain.ErrUnauthenticated("session tokens are not accepted")
		}
		return r.resolveSession(ctx, token)
	default:
		return domain.TenantContext{}, domain.ErrUnauthenticated("unrecognized credential")
	}
}

func (r *Resolver) resolveSession(ctx context.Context, token string) (domain.TenantContext, error) {
	userID, err := r.identity.ValidateSession(ctx, token)
	if err != nil {
		return domain.TenantContext{}, classify(err, "invalid or expired session token")
	}

	if r.profiles == nil {
		return domain.TenantContext{}, domain.ErrNoOrganization()
	}
	orgID, err := r.profiles.DefaultOrganization(ctx, userID)
	if err != nil {
		return domain.TenantContext{}, classify(err, "profile lookup failed")
	}
	if orgID == "" {
		return domain.TenantContext{}, domain.ErrNoOrganization()
	}
	return domain.NewSessionTenant(userID, orgID), nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, authorization string, required []domain.Scope) (domain.TenantContext, error) {
	info, err := r.keys.ValidateKey(ctx, authorization)
	if err != nil {
		return domain.TenantContext{}, classify(err, "invalid api key")
	}

	tc := domain.NewAPIKeyTenant(info.APIKeyID, info.OrganizationID, info.Scopes)
	if !tc.HasAnyScope(required) {
		return domain.TenantContext{}, domain.ErrInsufficientScope(fmt.Sprintf("api key requires one of scopes %s", joinScopes(required)))
	}
	return tc, nil
}

// classify keeps classified errors, maps deadlines to UpstreamTimeout and any
// other infrastructure failure to AuthServiceUnavailable.
func classify(err error, message string) error {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, ErrInvalidCredential) {
		return domain.ErrUnauthenticated(message).WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrUpstreamTimeout("authentication", err)
	}
	return domain.ErrAuthServiceUnavailable(err)
}

// ErrInvalidCredential is returned by validators for credentials that are
// well-formed but not accepted (unknown, expired, revoked).
var ErrInvalidCredential = errors.New("invalid credential")

func joinScopes(scopes []domain.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// ExtractBearer extracts the token from a "Bearer <token>" header value.
func ExtractBearer(authorization string) (string, error) {
	if strings.TrimSpace(authorization) == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// IsJWTShaped reports whether token has three non-empty base64url segments.
func IsJWTShaped(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// GenerateAPIKey returns a new random key with the given prefix.
func GenerateAPIKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
