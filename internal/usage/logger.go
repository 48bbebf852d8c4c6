// Package usage records one usage entry per completed request without ever
// blocking or failing the request path.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

const (
	// DefaultBufferSize is the number of records held before dropping.
	DefaultBufferSize = 1024
	// DefaultWriteTimeout bounds each sink write.
	DefaultWriteTimeout = 5 * time.Second
)

// Logger queues usage records for a background writer.
type Logger struct {
	sink    ports.UsageSink
	records chan *domain.UsageRecord
	logger  *slog.Logger
	timeout time.Duration
	onDrop  func()
	onError func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.records = make(chan *domain.UsageRecord, n)
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithDropHook is called for every record dropped on a full or closed queue.
func WithDropHook(fn func()) Option {
	return func(l *Logger) { l.onDrop = fn }
}

// WithErrorHook is called for every failed sink write.
func WithErrorHook(fn func()) Option {
	return func(l *Logger) { l.onError = fn }
}

// NewLogger starts a logger writing to sink.
func NewLogger(sink ports.UsageSink, opts ...Option) *Logger {
	l := &Logger{
		sink:    sink,
		records: make(chan *domain.UsageRecord, DefaultBufferSize),
		logger:  slog.Default(),
		timeout: DefaultWriteTimeout,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Log enqueues rec. It never blocks; when the queue is full the record is
// dropped and a warning logged.
func (l *Logger) Log(rec domain.UsageRecord) {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(&rec, "logger closed")
		return
	}
	select {
	case l.records <- &rec:
	default:
		l.drop(&rec, "buffer full")
	}
}

func (l *Logger) drop(rec *domain.UsageRecord, reason string) {
	l.logger.Warn("usage record dropped",
		slog.String("reason", reason),
		slog.String("request_id", rec.RequestID),
		slog.String("endpoint", rec.Endpoint))
	if l.onDrop != nil {
		l.onDrop()
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for rec := range l.records {
		l.write(rec)
	}
}

func (l *Logger) write(rec *domain.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.sink.WriteUsage(ctx, rec); err != nil {
		l.logger.Warn("failed to write usage record",
			slog.String("request_id", rec.RequestID),
			slog.String("organization_id", rec.OrganizationID),
			slog.String("error", err.Error()))
		if l.onError != nil {
			l.onError()
		}
	}
}

// Close stops accepting records and drains the queue. If ctx expires first
// the remaining records are abandoned. The sink is left open for its owner.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.records)
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		return fmt.Errorf("drain usage records: %w", ctx.Err())
	}
	return nil
}

// MultiSink writes every record to all sinks.
type MultiSink []ports.UsageSink

var _ ports.UsageSink = MultiSink(nil)

// WriteUsage writes to each sink; one failing sink does not skip the others.
func (m MultiSink) WriteUsage(ctx context.Context, rec *domain.UsageRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteUsage(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a sink that accepts and drops every record.
var Discard ports.UsageSink = discard{}

type discard struct{}

func (discard) WriteUsage(context.Context, *domain.UsageRecord) error { return nil }

func (discard) Close() error { return nil }
