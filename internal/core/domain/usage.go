package domain

import "time"

// UsageRecord is one append-only entry per completed request.
type UsageRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	OrganizationID   string    `json:"organization_id,omitempty"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
	Endpoint         string    `json:"endpoint"`
	Method           string    `json:"method"`
	ResponseStatus   int       `json:"response_status"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	IPAddress        string    `json:"ip_address,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// APIKey is a stored API key credential. Only the hash of the secret is kept.
type APIKey struct {
	ID             string
	OrganizationID string
	Name           string
	KeyPrefix      string
	KeyHash        string
	Scopes         []Scope
	ExpiresAt      *time.Time
	IsActive       bool
	CreatedAt      time.Time
	LastUsedAt     *time.Time
}

// IsValid checks if the key is active and not expired at now.
func (k *APIKey) IsValid(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// KeyInfo is the result of a successful API key validation.
type KeyInfo struct {
	OrganizationID string
	APIKeyID       string
	Scopes         []Scope
}
