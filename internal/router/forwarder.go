package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/safehttp"
)

const (
	// DefaultTimeout applies to routes without their own timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseBytes caps relayed upstream bodies.
	DefaultMaxResponseBytes = 10 << 20
)

// Headers added to every forwarded request.
const (
	HeaderForwardedPath = "X-Forwarded-Path"
	HeaderRequestID     = "X-Request-ID"
	HeaderOrganization  = "X-Organization-ID"
)

// hopHeaders are removed in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an authenticated, versioned request ready for an upstream.
type Request struct {
	Route        Route
	Method       string
	Path         string // version-normalized path sent upstream
	OriginalPath string
	RawQuery     string
	Header       http.Header
	Body         []byte
	RequestID    string
	ClientIP     string
	Tenant       domain.TenantContext
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder relays requests to upstream services. No retries are attempted.
type Forwarder struct {
	client          *http.Client
	defaultTimeout  time.Duration
	maxResponseBody int64
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithHTTPClient replaces the outbound client.
func WithHTTPClient(c *http.Client) ForwarderOption {
	return func(f *Forwarder) { f.client = c }
}

// WithDefaultTimeout sets the timeout for routes that do not set one.
func WithDefaultTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.defaultTimeout = d
		}
	}
}

// WithMaxResponseBytes caps the buffered upstream body.
func WithMaxResponseBytes(n int64) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxResponseBody = n
		}
	}
}

// NewForwarder creates a forwarder using the safehttp transport.
func NewForwarder(transport safehttp.Options, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		client: &http.Client{
			Transport: otelhttp.NewTransport(safehttp.NewTransport(transport)),
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		defaultTimeout:  DefaultTimeout,
		maxResponseBody: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward sends req to its route's upstream and buffers the response.
// Upstream statuses are relayed as-is; only transport failures are errors.
// If ctx is cancelled by the caller the returned error wraps context.Canceled.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Route.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outReq, err := f.buildRequest(callCtx, req)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}

	resp, err := f.client.Do(outReq)
	if err != nil {
		return nil, f.classify(ctx, callCtx, req.Route.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBody+1))
	if err != nil {
		return nil, f.classify(ctx, callCtx, req.Route.Name, err)
	}
	if int64(len(body)) > f.maxResponseBody {
		return nil, domain.ErrUpstreamUnavailable("upstream "+req.Route.Name,
			fmt.Errorf("response body exceeds %d bytes", f.maxResponseBody))
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := *req.Route.Upstream
	u.Path = strings.TrimRight(u.Path, "/") + req.Path
	u.RawPath = ""
	u.RawQuery = req.RawQuery

	outReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if len(req.Body) == 0 {
		outReq.Body = http.NoBody
		outReq.ContentLength = 0
	}

	outReq.Header = req.Header.Clone()
	if outReq.Header == nil {
		outReq.Header = http.Header{}
	}
	removeHopHeaders(outReq.Header)
	outReq.Header.Del("Content-Length")
	outReq.Header.Del(HeaderOrganization)

	if outReq.Header.Get("Content-Type") == "" {
		outReq.Header.Set("Content-Type", "application/json")
	}
	outReq.Header.Set(HeaderForwardedPath, req.OriginalPath)
	if req.RequestID != "" {
		outReq.Header.Set(HeaderRequestID, req.RequestID)
	}
	if org := req.Tenant.OrganizationID(); org != "" {
		outReq.Header.Set(HeaderOrganization, org)
	}
	if req.ClientIP != "" {
		if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	return outReq, nil
}

// classify maps transport failures. parent is the caller's context and call
// the context bounded by the route timeout.
func (f *Forwarder) classify(parent, call context.Context, route string, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("forward to %s abandoned: %w", route, context.Canceled)
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrUpstreamTimeout("upstream "+route, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrUpstreamTimeout("upstream "+route, err)
	}
	return domain.ErrUpstreamUnavailable("upstream "+route, err)
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
