package domain

import (
	"sort"
	"strings"
)

// Scope is a named capability grant on an API key.
type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeWrite   Scope = "write"
	ScopeDevices Scope = "devices"
)

// ParseScopes normalizes raw scope names, dropping blanks and duplicates.
func ParseScopes(raw []string) []Scope {
	seen := make(map[Scope]struct{}, len(raw))
	out := make([]Scope, 0, len(raw))
	for _, s := range raw {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		sc := Scope(s)
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}

// CredentialKind identifies which credential resolved a request.
type CredentialKind string

const (
	CredentialSession CredentialKind = "session"
	CredentialAPIKey  CredentialKind = "api_key"
)

// TenantContext is the caller identity resolved once per request.
// It is a value type; its scope set cannot be mutated after construction.
type TenantContext struct {
	organizationID string
	userID         string
	apiKeyID       string
	kind           CredentialKind
	scopes         map[Scope]struct{}
}

// NewSessionTenant creates the context for a session token caller.
func NewSessionTenant(userID, organizationID string) TenantContext {
	return TenantContext{
		organizationID: organizationID,
		userID:         userID,
		kind:           CredentialSession,
	}
}

// NewAPIKeyTenant creates the context for an API key caller.
func NewAPIKeyTenant(apiKeyID, organizationID string, scopes []Scope) TenantContext {
	set := make(map[Scope]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return TenantContext{
		organizationID: organizationID,
		apiKeyID:       apiKeyID,
		kind:           CredentialAPIKey,
		scopes:         set,
	}
}

func (t TenantContext) OrganizationID() string { return t.organizationID }
func (t TenantContext) UserID() string         { return t.userID }
func (t TenantContext) APIKeyID() string       { return t.apiKeyID }
func (t TenantContext) Kind() CredentialKind   { return t.kind }

// IsAPIKey reports whether the caller authenticated with an API key.
func (t TenantContext) IsAPIKey() bool { return t.kind == CredentialAPIKey }

// HasScope reports whether the scope was granted.
func (t TenantContext) HasScope(s Scope) bool {
	_, ok := t.scopes[s]
	return ok
}

// HasAnyScope reports whether at least one of required was granted.
// An empty requirement is always satisfied.
func (t TenantContext) HasAnyScope(required []Scope) bool {
	if len(required) == 0 {
		return true
	}
	for _, s := range required {
		if t.HasScope(s) {
			return true
		}
	}
	return false
}

// Scopes returns a sorted copy of the granted scopes.
func (t TenantContext) Scopes() []Scope {
	out := make([]Scope, 0, len(t.scopes))
	for s := range t.scopes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
