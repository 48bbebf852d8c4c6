package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/iotedge-gateway/internal/api/middleware"
	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/metrics"
	"github.com/tjfontaine/iotedge-gateway/internal/ratelimit"
	"github.com/tjfontaine/iotedge-gateway/internal/router"
	"github.com/tjfontaine/iotedge-gateway/internal/transform"
	"github.com/tjfontaine/iotedge-gateway/internal/version"
)

// DefaultMaxBodyBytes caps request bodies when Config.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 1 << 20

// Authenticator resolves the Authorization header. *auth.Resolver implements it.
type Authenticator interface {
	Resolve(ctx context.Context, authorization string, required []domain.Scope) (domain.TenantContext, error)
}

// RateLimiter admits or rejects API key requests. *ratelimit.Limiter implements it.
type RateLimiter interface {
	Check(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
}

// Forwarder relays a request upstream. *router.Forwarder implements it.
type Forwarder interface {
	Forward(ctx context.Context, req router.Request) (*router.Response, error)
}

// UsageLogger accepts completed-request records. *usage.Logger implements it.
type UsageLogger interface {
	Log(rec domain.UsageRecord)
}

// Config wires a Handler. Auth, Versions, Routes and Forwarder are required.
type Config struct {
	Auth         Authenticator
	Versions     *version.Resolver
	Routes       *router.Table
	Forwarder    Forwarder
	Limiter      RateLimiter       // nil disables rate limiting
	Transforms   *transform.Engine // nil disables transformation
	Usage        UsageLogger       // nil disables usage logging
	Metrics      *metrics.Metrics  // nil disables metrics
	CORS         middleware.CORSPolicy
	Production   bool
	MaxBodyBytes int64
	Logger       *slog.Logger
	Now          func() time.Time
}

// Handler is the gateway entry point for /api requests.
type Handler struct {
	auth       Authenticator
	versions   *version.Resolver
	routes     *router.Table
	forwarder  Forwarder
	limiter    RateLimiter
	transforms *transform.Engine
	usage      UsageLogger
	metrics    *metrics.Metrics
	cors       middleware.CORSPolicy
	production bool
	maxBody    int64
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler validates cfg and builds a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("pipeline: auth resolver required")
	}
	if cfg.Versions == nil {
		return nil, fmt.Errorf("pipeline: version resolver required")
	}
	if cfg.Routes == nil {
		return nil, fmt.Errorf("pipeline: route table required")
	}
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("pipeline: forwarder required")
	}

	h := &Handler{
		auth:       cfg.Auth,
		versions:   cfg.Versions,
		routes:     cfg.Routes,
		forwarder:  cfg.Forwarder,
		limiter:    cfg.Limiter,
		transforms: cfg.Transforms,
		usage:      cfg.Usage,
		metrics:    cfg.Metrics,
		cors:       cfg.CORS,
		production: cfg.Production,
		maxBody:    cfg.MaxBodyBytes,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if h.cors.AllowOrigin == "" {
		h.cors = middleware.DefaultCORSPolicy
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.transforms == nil {
		h.transforms = transform.NewEngine()
	}
	return h, nil
}

// exchange carries per-request state between stages.
type exchange struct {
	w         http.ResponseWriter
	r         *http.Request
	start     time.Time
	requestID string
	clientIP  string

	resolution version.Resolution
	route      router.Route
	routeFound bool
	tenant     domain.TenantContext
	authed     bool
	status     int
	finished   bool
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := &exchange{w: w, r: r, start: h.now(), clientIP: clientIP(r)}
	x.requestID = middleware.GetRequestID(r.Context())
	if x.requestID == "" {
		x.requestID = uuid.New().String()
		w.Header().Set(middleware.RequestIDHeader, x.requestID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic in gateway pipeline",
				slog.String("request_id", x.requestID),
				slog.Any("panic", rec))
			h.fail(x, domain.ErrInternal(fmt.Errorf("panic: %v", rec)))
		}
	}()

	h.cors.Apply(w.Header())
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !h.serve(x) {
		middleware.AddLogField(r.Context(), "abandoned", "true")
	}
}

// serve runs the stages. It returns false when the request was abandoned
// and nothing was written or logged.
func (h *Handler) serve(x *exchange) bool {
	ctx := x.r.Context()

	// Pure pre-computation: resolve the version and route so the auth stage
	// knows the route's scopes. Headers are attached after authentication.
	x.resolution = h.versions.ExtractVersion(x.r)
	x.route, x.routeFound = h.routes.Match(x.resolution.Path, x.resolution.Version.Handler)

	// AUTHENTICATING
	var required []domain.Scope
	if x.routeFound {
		required = x.route.Scopes
	}
	tenant, err := h.auth.Resolve(ctx, x.r.Header.Get("Authorization"), required)
	if err != nil {
		if abandoned(ctx, err) {
			return false
		}
		h.fail(x, err)
		return true
	}
	x.tenant, x.authed = tenant, true
	middleware.AddLogField(ctx, "organization_id", tenant.OrganizationID())
	middleware.AddLogField(ctx, "api_key_id", tenant.APIKeyID())

	// VERSIONING
	for name, values := range h.versions.CreateVersionHeaders(x.resolution.Version.Name) {
		x.w.Header()[name] = values
	}
	middleware.AddLogField(ctx, "api_version", x.resolution.Version.Name)

	// RATE_LIMITING
	if h.limiter != nil && tenant.IsAPIKey() {
		decision, err := h.limiter.Check(ctx, ratelimit.Request{
			APIKeyID:       tenant.APIKeyID(),
			OrganizationID: tenant.OrganizationID(),
			Endpoint:       x.resolution.Path,
			Method:         x.r.Method,
		})
		if err != nil {
			if abandoned(ctx, err) {
				return false
			}
			h.fail(x, err)
			return true
		}
		if !decision.Allowed {
			h.metrics.RateLimited()
			h.fail(x, domain.ErrRateLimited(decision.RetryAfter))
			return true
		}
		decision.ApplyHeaders(x.w.Header())
	}

	// TRANSFORMING_REQUEST
	body, err := h.readBody(x)
	if err != nil {
		if abandoned(ctx, err) {
			return false
		}
		h.fail(x, err)
		return true
	}
	outHeader := x.r.Header.Clone()
	reqResult := h.transforms.TransformRequest(x.resolution.Path, x.r.Method, outHeader, body)
	reqResult.Apply(outHeader)

	// FORWARDING
	if !x.routeFound {
		h.fail(x, domain.ErrRouteNotFound(x.resolution.Path))
		return true
	}
	middleware.AddLogField(ctx, "route", x.route.Name)

	resp, err := h.forwarder.Forward(ctx, router.Request{
		Route:        x.route,
		Method:       x.r.Method,
		Path:         x.resolution.Path,
		OriginalPath: x.r.URL.Path,
		RawQuery:     x.r.URL.RawQuery,
		Header:       outHeader,
		Body:         reqResult.Body,
		RequestID:    x.requestID,
		ClientIP:     x.clientIP,
		Tenant:       tenant,
	})
	if err != nil {
		if abandoned(ctx, err) {
			h.logger.Debug("request abandoned by client",
				slog.String("request_id", x.requestID),
				slog.String("route", x.route.Name))
			return false
		}
		h.fail(x, err)
		return true
	}

	// TRANSFORMING_RESPONSE
	respResult := h.transforms.TransformResponse(x.resolution.Path, x.r.Method, resp.Header, resp.Body)
	respResult.Apply(resp.Header)

	h.relay(x, resp.StatusCode, resp.Header, respResult.Body)
	return true
}

func (h *Handler) readBody(x *exchange) ([]byte, error) {
	if x.r.Body == nil || x.r.Body == http.NoBody {
		return nil, nil
	}
	if x.r.ContentLength > h.maxBody {
		return nil, domain.ErrPayloadTooLarge(h.maxBody)
	}
	body, err := io.ReadAll(http.MaxBytesReader(x.w, x.r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrPayloadTooLarge(h.maxBody)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// relay writes the upstream response. Gateway-set headers (CORS, version,
// rate limit, request id) win over upstream headers of the same name.
func (h *Handler) relay(x *exchange, status int, header http.Header, body []byte) {
	dst := x.w.Header()
	for name, values := range header {
		if _, set := dst[name]; set {
			continue
		}
		dst[name] = values
	}
	x.status = status
	h.finish(x)
	x.w.WriteHeader(status)
	if _, err := x.w.Write(body); err != nil {
		h.logger.Debug("failed to write response body",
			slog.String("request_id", x.requestID),
			slog.String("error", err.Error()))
	}
}

// finish records metrics and the usage log entry of a completed request.
// It runs once x.status is known and before the response is written.
func (h *Handler) finish(x *exchange) {
	if x.finished {
		return
	}
	x.finished = true
	elapsed := h.now().Sub(x.start)
	route := ""
	if x.routeFound {
		route = x.route.Name
	}
	h.metrics.ObserveRequest(route, x.r.Method, x.status, elapsed)

	if h.usage == nil || !x.authed {
		return
	}
	h.usage.Log(domain.UsageRecord{
		RequestID:        x.requestID,
		OrganizationID:   x.tenant.OrganizationID(),
		APIKeyID:         x.tenant.APIKeyID(),
		Endpoint:         x.r.URL.Path,
		Method:           x.r.Method,
		ResponseStatus:   x.status,
		ProcessingTimeMs: elapsed.Milliseconds(),
		IPAddress:        x.clientIP,
		UserAgent:        x.r.UserAgent(),
		CreatedAt:        h.now().UTC(),
	})
}

// abandoned reports whether err is the caller going away rather than a
// gateway failure.
func abandoned(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
