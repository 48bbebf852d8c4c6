// Package remote validates API keys through an external validation service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/iotedge-gateway/internal/auth"
	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/safehttp"
)

const maxResponseBytes = 64 << 10

// validationResponse is the body returned by the validation service.
type validationResponse struct {
	Success        bool     `json:"success"`
	OrganizationID string   `json:"organization_id,omitempty"`
	APIKeyID       string   `json:"api_key_id,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Client implements ports.KeyValidator against a remote endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

var _ ports.KeyValidator = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a client posting to url.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("validation url required")
	}
	c := &Client{
		url: url,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(safehttp.NewTransport(safehttp.Options{})),
			Timeout:   10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ValidateKey forwards the raw Authorization header to the service.
func (c *Client) ValidateKey(ctx context.Context, authorization string) (*domain.KeyInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("validation request: %w", ctxErr)
		}
		return nil, fmt.Errorf("validation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read validation response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("validation service returned %d", resp.StatusCode)
	}

	var out validationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: validation service returned %d", auth.ErrInvalidCredential, resp.StatusCode)
		}
		return nil, fmt.Errorf("decode validation response: %w", err)
	}

	if !out.Success {
		reason := out.Error
		if reason == "" {
			reason = "rejected by validation service"
		}
		return nil, fmt.Errorf("%w: %s", auth.ErrInvalidCredential, reason)
	}
	if out.OrganizationID == "" || out.APIKeyID == "" {
		return nil, errors.New("validation response missing organization_id or api_key_id")
	}

	return &domain.KeyInfo{
		OrganizationID: out.OrganizationID,
		APIKeyID:       out.APIKeyID,
		Scopes:         domain.ParseScopes(out.Scopes),
	}, nil
}
