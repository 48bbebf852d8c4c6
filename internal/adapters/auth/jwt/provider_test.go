package jwt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/iotedge-gateway/internal/auth"
)

func TestProvider_RoundTrip(t *testing.T) {
	p, err := NewProvider(Config{Secret: "s3cret", Issuer: "identity", Audience: "authenticated"})
	require.NoError(t, err)

	token, err := p.Issue("user-42", time.Hour)
	require.NoError(t, err)
	assert.True(t, auth.IsJWTShaped(token))

	user, err := p.ValidateSession(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", user)
}

func TestProvider_Rejects(t *testing.T) {
	p, err := NewProvider(Config{Secret: "s3cret", Issuer: "identity"})
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	expired, err := (&Provider{secret: []byte("s3cret"), cfg: Config{Issuer: "identity", Now: func() time.Time { return past }}}).Issue("u", time.Hour)
	require.NoError(t, err)

	other, err := NewProvider(Config{Secret: "other", Issuer: "identity"})
	require.NoError(t, err)
	forged, err := other.Issue("u", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := (&Provider{secret: []byte("s3cret"), cfg: Config{Issuer: "elsewhere"}}).Issue("u", time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u", Issuer: "identity"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	noSubject, err := (&Provider{secret: []byte("s3cret"), cfg: Config{Issuer: "identity"}}).Issue("", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "u", Issuer: "identity", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":      expired,
		"forged":       forged,
		"wrong issuer": wrongIssuer,
		"no expiry":    noExpiry,
		"no subject":   noSubject,
		"alg none":     none,
		"garbage":      "a.b.c",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.ValidateSession(context.Background(), token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, auth.ErrInvalidCredential))
		})
	}
}

func TestNewProvider_RequiresSecret(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.Error(t, err)
}
