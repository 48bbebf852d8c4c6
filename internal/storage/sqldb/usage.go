package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
)

// WriteUsage appends one usage record.
func (s *Store) WriteUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	query := s.dialect.Rebind(`INSERT INTO usage_logs (id, request_id, organization_id, api_key_id, endpoint, method, response_status, processing_time_ms, ip_address, user_agent, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.RequestID, nullString(rec.OrganizationID), nullString(rec.APIKeyID),
		rec.Endpoint, rec.Method, rec.ResponseStatus, rec.ProcessingTimeMs,
		nullString(rec.IPAddress), nullString(rec.UserAgent), toMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

type usageRow struct {
	ID               string         `db:"id"`
	RequestID        string         `db:"request_id"`
	OrganizationID   sql.NullString `db:"organization_id"`
	APIKeyID         sql.NullString `db:"api_key_id"`
	Endpoint         string         `db:"endpoint"`
	Method           string         `db:"method"`
	ResponseStatus   int            `db:"response_status"`
	ProcessingTimeMs int64          `db:"processing_time_ms"`
	IPAddress        sql.NullString `db:"ip_address"`
	UserAgent        sql.NullString `db:"user_agent"`
	CreatedAt        int64          `db:"created_at"`
}

// ListUsage returns the most recent records for an organization, newest first.
func (s *Store) ListUsage(ctx context.Context, organizationID string, limit int) ([]*domain.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.dialect.Rebind(`SELECT id, request_id, organization_id, api_key_id, endpoint, method, response_status, processing_time_ms, ip_address, user_agent, created_at
FROM usage_logs WHERE organization_id = ? ORDER BY created_at DESC LIMIT ?`)

	var rows []usageRow
	if err := s.db.SelectContext(ctx, &rows, query, organizationID, limit); err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	out := make([]*domain.UsageRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.UsageRecord{
			ID:               r.ID,
			RequestID:        r.RequestID,
			OrganizationID:   r.OrganizationID.String,
			APIKeyID:         r.APIKeyID.String,
			Endpoint:         r.Endpoint,
			Method:           r.Method,
			ResponseStatus:   r.ResponseStatus,
			ProcessingTimeMs: r.ProcessingTimeMs,
			IPAddress:        r.IPAddress.String,
			UserAgent:        r.UserAgent.String,
			CreatedAt:        fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
