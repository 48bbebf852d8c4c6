package apikey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/iotedge-gateway/internal/auth"
	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(store *memory.Store, id, secret string, active bool, expires *time.Time) {
	store.AddAPIKey(&domain.APIKey{
		ID:             id,
		OrganizationID: "org-1",
		Name:           id,
		KeyPrefix:      secret[:8],
		KeyHash:        auth.HashAPIKey(secret),
		Scopes:         []domain.Scope{domain.ScopeRead},
		ExpiresAt:      expires,
		IsActive:       active,
		CreatedAt:      testNow.Add(-24 * time.Hour),
	})
}

func TestProvider_ValidateKey(t *testing.T) {
	store := memory.New()
	past := testNow.Add(-time.Minute)
	future := testNow.Add(time.Hour)
	seed(store, "good", "iotk_good_secret", true, &future)
	seed(store, "revoked", "iotk_revoked_secret", false, nil)
	seed(store, "expired", "iotk_expired_secret", true, &past)

	p, err := NewProvider(store, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	ctx := context.Background()

	info, err := p.ValidateKey(ctx, "Bearer iotk_good_secret")
	require.NoError(t, err)
	assert.Equal(t, "good", info.APIKeyID)
	assert.Equal(t, "org-1", info.OrganizationID)
	assert.Equal(t, []domain.Scope{domain.ScopeRead}, info.Scopes)

	assert.Eventually(t, func() bool {
		key, err := store.GetAPIKeyByHash(ctx, auth.HashAPIKey("iotk_good_secret"))
		return err == nil && key.LastUsedAt != nil && key.LastUsedAt.Equal(testNow)
	}, time.Second, 5*time.Millisecond)

	for _, header := range []string{
		"Bearer iotk_revoked_secret",
		"Bearer iotk_expired_secret",
		"Bearer iotk_unknown_secret",
		"iotk_good_secret",
	} {
		_, err := p.ValidateKey(ctx, header)
		require.Error(t, err, header)
		assert.True(t, errors.Is(err, auth.ErrInvalidCredential), header)
	}
}

type brokenStore struct{ memory.Store }

func (*brokenStore) GetAPIKeyByHash(context.Context, string) (*domain.APIKey, error) {
	return nil, errors.New("database is locked")
}

func TestProvider_StoreFailure(t *testing.T) {
	p, err := NewProvider(&brokenStore{}, WithoutTouch())
	require.NoError(t, err)

	_, err = p.ValidateKey(context.Background(), "Bearer iotk_any")
	require.Error(t, err)
	assert.False(t, errors.Is(err, auth.ErrInvalidCredential))

	r := auth.NewResolver(auth.Config{Keys: p})
	_, err = r.Resolve(context.Background(), "Bearer iotk_any", nil)
	assert.True(t, domain.IsKind(err, domain.KindAuthServiceUnavailable))
}

func TestNewProvider_RequiresStore(t *testing.T) {
	_, err := NewProvider(nil)
	assert.Error(t, err)
}
