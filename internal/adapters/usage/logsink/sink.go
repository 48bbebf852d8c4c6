// Package logsink writes usage records as structured log lines. It is the
// default sink for single-instance deployments without a usage table.
package logsink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

// Sink implements ports.UsageSink on top of a slog.Logger.
type Sink struct {
	logger *slog.Logger
}

var _ ports.UsageSink = (*Sink)(nil)

// New creates a new log sink.
func New(logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Sink{logger: logger}, nil
}

// WriteUsage logs the record at info level.
func (s *Sink) WriteUsage(ctx context.Context, rec *domain.UsageRecord) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "usage",
		slog.String("request_id", rec.RequestID),
		slog.String("organization_id", rec.OrganizationID),
		slog.String("api_key_id", rec.APIKeyID),
		slog.String("endpoint", rec.Endpoint),
		slog.String("method", rec.Method),
		slog.Int("status", rec.ResponseStatus),
		slog.Int64("processing_time_ms", rec.ProcessingTimeMs),
		slog.String("ip_address", rec.IPAddress),
		slog.String("user_agent", rec.UserAgent),
	)
	return nil
}

// Close is a no-op for the log sink.
func (s *Sink) Close() error {
	return nil
}
