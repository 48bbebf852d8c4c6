// Package amqp publishes usage records to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

// Channel is the subset of *amqp.Channel used by Sink.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sink implements ports.UsageSink. Records are published as JSON with the
// routing key usage.<organization_id>.
type Sink struct {
	mu       sync.Mutex
	ch       Channel
	conn     *amqp.Connection
	exchange string
}

var _ ports.UsageSink = (*Sink)(nil)

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string) (*Sink, error) {
	if exchange == "" {
		return nil, fmt.Errorf("exchange required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	s := New(ch, exchange)
	s.conn = conn
	return s, nil
}

// New wraps an existing channel.
func New(ch Channel, exchange string) *Sink {
	return &Sink{ch: ch, exchange: exchange}
}

// RoutingKey returns the routing key for rec.
func RoutingKey(rec *domain.UsageRecord) string {
	org := rec.OrganizationID
	if org == "" {
		org = "anonymous"
	}
	return "usage." + org
}

// WriteUsage publishes rec.
func (s *Sink) WriteUsage(ctx context.Context, rec *domain.UsageRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Timestamp:    rec.CreatedAt,
		Type:         "usage.record",
		Headers: amqp.Table{
			"request_id":      rec.RequestID,
			"organization_id": rec.OrganizationID,
			"response_status": int32(rec.ResponseStatus),
		},
		Body: body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(rec), false, false, msg); err != nil {
		return fmt.Errorf("publish usage record: %w", err)
	}
	return nil
}

// Close closes the channel and, when owned, the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
