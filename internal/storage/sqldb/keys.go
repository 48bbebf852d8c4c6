package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/storage"
)

type apiKeyRow struct {
	ID             string        `db:"id"`
	OrganizationID string        `db:"organization_id"`
	Name           string        `db:"name"`
	KeyPrefix      string        `db:"key_prefix"`
	KeyHash        string        `db:"key_hash"`
	Scopes         string        `db:"scopes"`
	ExpiresAt      sql.NullInt64 `db:"expires_at"`
	IsActive       bool          `db:"is_active"`
	CreatedAt      int64         `db:"created_at"`
	LastUsedAt     sql.NullInt64 `db:"last_used_at"`
}

func (r *apiKeyRow) toDomain() (*domain.APIKey, error) {
	var scopes []string
	if r.Scopes != "" {
		if err := json.Unmarshal([]byte(r.Scopes), &scopes); err != nil {
			return nil, fmt.Errorf("decode scopes for key %s: %w", r.ID, err)
		}
	}
	key := &domain.APIKey{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		KeyPrefix:      r.KeyPrefix,
		KeyHash:        r.KeyHash,
		Scopes:         domain.ParseScopes(scopes),
		IsActive:       r.IsActive,
		CreatedAt:      fromMillis(r.CreatedAt),
	}
	if r.ExpiresAt.Valid {
		t := fromMillis(r.ExpiresAt.Int64)
		key.ExpiresAt = &t
	}
	if r.LastUsedAt.Valid {
		t := fromMillis(r.LastUsedAt.Int64)
		key.LastUsedAt = &t
	}
	return key, nil
}

// CreateAPIKey stores a key. Only the hash of the secret is persisted.
func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	raw := make([]string, len(key.Scopes))
	for i, sc := range key.Scopes {
		raw[i] = string(sc)
	}
	scopes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now()
	}
	var expires sql.NullInt64
	if key.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: toMillis(*key.ExpiresAt), Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO api_keys (id, organization_id, name, key_prefix, key_hash, scopes, expires_at, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		key.ID, key.OrganizationID, key.Name, key.KeyPrefix, key.KeyHash,
		string(scopes), expires, key.IsActive, toMillis(key.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks a key up by the SHA-256 hex of its secret.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := s.dialect.Rebind(`SELECT id, organization_id, name, key_prefix, key_hash, scopes, expires_at, is_active, created_at, last_used_at
FROM api_keys WHERE key_hash = ?`)

	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, query, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return row.toDomain()
}

// TouchAPIKey records the last time a key was used.
func (s *Store) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	query := s.dialect.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, toMillis(usedAt), id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// SetDefaultOrganization creates or updates a user's profile.
// An empty organizationID clears the default.
func (s *Store) SetDefaultOrganization(ctx context.Context, userID, organizationID string) error {
	var org sql.NullString
	if organizationID != "" {
		org = sql.NullString{String: organizationID, Valid: true}
	}
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO profiles (user_id, default_organization_id) VALUES (?, ?) %s`,
		s.dialect.UpsertClause("user_id", []string{"default_organization_id"})))
	if _, err := s.db.ExecContext(ctx, query, userID, org); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// DefaultOrganization returns the user's default organization, or "" if the
// user has no profile or no default.
func (s *Store) DefaultOrganization(ctx context.Context, userID string) (string, error) {
	query := s.dialect.Rebind(`SELECT default_organization_id FROM profiles WHERE user_id = ?`)

	var org sql.NullString
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&org); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get profile: %w", err)
	}
	return org.String, nil
}
