package main

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/iotedge-gateway/internal/auth"
	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/sqldb"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHash(t *testing.T) {
	out, err := execute(t, "hash", "iotk_example")
	require.NoError(t, err)
	assert.Equal(t, auth.HashAPIKey("iotk_example")+"\n", out)
}

func TestGenerate_PrintsHint(t *testing.T) {
	out, err := execute(t, "generate", "--org", "org-1", "--scopes", "read,devices")
	require.NoError(t, err)

	key := regexp.MustCompile(`API Key: (iotk_\S+)`).FindStringSubmatch(out)
	require.Len(t, key, 2, out)
	assert.Contains(t, out, auth.HashAPIKey(key[1]))
	assert.Contains(t, out, `'["read","devices"]'`)
}

func TestGenerate_Stores(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "gateway.db")
	out, err := execute(t, "generate", "--org", "org-9", "--name", "ci", "--scopes", "devices", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored in sqlite database.")

	secret := regexp.MustCompile(`API Key: (\S+)`).FindStringSubmatch(out)[1]

	store, err := sqldb.NewSQLite(dsn)
	require.NoError(t, err)
	defer store.Close()

	key, err := store.GetAPIKeyByHash(context.Background(), auth.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, "org-9", key.OrganizationID)
	assert.Equal(t, "ci", key.Name)
	assert.Equal(t, []domain.Scope{domain.ScopeDevices}, key.Scopes)
	assert.True(t, key.IsActive)
	assert.Nil(t, key.ExpiresAt)
	assert.True(t, strings.HasPrefix(secret, key.KeyPrefix))
}

func TestGenerate_RequiresOrg(t *testing.T) {
	_, err := execute(t, "generate")
	assert.ErrorContains(t, err, "--org is required")
}

func TestProfile(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "gateway.db")
	_, err := execute(t, "profile", "--user", "user-1", "--org", "org-1", "--dsn", dsn)
	require.NoError(t, err)

	store, err := sqldb.NewSQLite(dsn)
	require.NoError(t, err)
	defer store.Close()

	org, err := store.DefaultOrganization(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", org)
}
