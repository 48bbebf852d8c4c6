// Package ratelimit enforces per-API-key quotas over fixed windows.
//
// Every key has up to three plan buckets (hourly, daily, monthly) plus one
// bucket per matching endpoint policy. A request is admitted only when every
// applicable bucket has room, and then all of them are consumed together;
// a rejected request consumes nothing. Atomicity is delegated to the
// ports.BucketStore implementation.
package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
)

// DefaultTimeout bounds each bucket store call.
const DefaultTimeout = 2 * time.Second

// Window is a plan limit for one bucket type. Limit <= 0 disables it.
type Window struct {
	Type  domain.BucketType
	Limit int64
}

// Policy is an extra bucket for requests matching a path prefix and method.
type Policy struct {
	Name       string
	PathPrefix string
	Method     string // empty matches any method
	Limit      int64
	Window     time.Duration
}

func (p Policy) matches(endpoint, method string) bool {
	if p.Method != "" && !strings.EqualFold(p.Method, method) {
		return false
	}
	return strings.HasPrefix(endpoint, p.PathPrefix)
}

// Request identifies the caller and operation being limited.
type Request struct {
	APIKeyID       string
	OrganizationID string
	Endpoint       string
	Method         string
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed bool
	// Limit, Remaining and Reset describe the tightest bucket.
	Limit     int64
	Remaining int64
	Reset     time.Time
	// RetryAfter is set when Allowed is false.
	RetryAfter time.Duration
}

// ApplyHeaders writes X-RateLimit-* headers for the decision.
func (d Decision) ApplyHeaders(h http.Header) {
	if d.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// Limiter checks requests against a BucketStore.
type Limiter struct {
	store    ports.BucketStore
	windows  []Window
	policies []Policy
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicies adds endpoint policies.
func WithPolicies(p ...Policy) Option {
	return func(l *Limiter) { l.policies = append(l.policies, p...) }
}

// WithTimeout bounds each store call.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with the given plan windows.
func New(store ports.BucketStore, windows []Window, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		windows: windows,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FromConfig builds a limiter from the rate_limits config section.
func FromConfig(store ports.BucketStore, cfg config.RateLimitConfig, opts ...Option) *Limiter {
	windows := []Window{
		{Type: domain.BucketHourly, Limit: cfg.Hourly},
		{Type: domain.BucketDaily, Limit: cfg.Daily},
		{Type: domain.BucketMonthly, Limit: cfg.Monthly},
	}
	policies := make([]Policy, 0, len(cfg.Policies))
	for _, p := range cfg.Policies {
		policies = append(policies, Policy{
			Name:       p.Name,
			PathPrefix: p.PathPrefix,
			Method:     p.Method,
			Limit:      p.Limit,
			Window:     p.Window,
		})
	}
	all := append([]Option{WithPolicies(policies...), WithTimeout(cfg.Timeout)}, opts...)
	return New(store, windows, all...)
}

func (l *Limiter) specs(req Request) []domain.BucketSpec {
	specs := make([]domain.BucketSpec, 0, len(l.windows)+len(l.policies))
	for _, w := range l.windows {
		if w.Limit <= 0 {
			continue
		}
		specs = append(specs, domain.BucketSpec{
			Key:    req.APIKeyID,
			Type:   string(w.Type),
			Limit:  w.Limit,
			Period: w.Type.Period(),
		})
	}
	for _, p := range l.policies {
		if p.Limit <= 0 || p.Window <= 0 || !p.matches(req.Endpoint, req.Method) {
			continue
		}
		specs = append(specs, domain.BucketSpec{
			Key:    req.APIKeyID + "|" + p.Name,
			Type:   "window",
			Limit:  p.Limit,
			Period: p.Window,
		})
	}
	return specs
}

// Check consumes one request from every applicable bucket, or none of them.
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	specs := l.specs(req)
	if len(specs) == 0 {
		return Decision{Allowed: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	res, err := l.store.Consume(ctx, specs, now)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, domain.ErrUpstreamTimeout("rate limit store", err)
		}
		if errors.Is(err, context.Canceled) {
			return Decision{}, err
		}
		return Decision{}, domain.NewError(domain.KindDependencyUnavailable, "rate limit store unavailable").WithCause(err)
	}

	if !res.Admitted {
		d := Decision{Allowed: false}
		for _, b := range res.Buckets {
			if !b.Exhausted() {
				continue
			}
			if wait := b.ResetTime.Sub(now); wait > d.RetryAfter {
				d.RetryAfter = wait
				d.Limit = b.Spec.Limit
				d.Reset = b.ResetTime
			}
		}
		if d.RetryAfter <= 0 {
			// A lost race for the final slot reports no exhausted bucket.
			d.RetryAfter = time.Second
		}
		return d, nil
	}

	d := Decision{Allowed: true, Remaining: -1}
	for _, b := range res.Buckets {
		remaining := b.Spec.Limit - b.Count
		if d.Remaining < 0 || remaining < d.Remaining {
			d.Limit = b.Spec.Limit
			d.Remaining = remaining
			d.Reset = b.ResetTime
		}
	}
	return d, nil
}
