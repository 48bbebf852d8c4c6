/*
Package middleware provides the HTTP middleware shared by the gateway's
listeners.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware generates a UUID for each request and adds it to the
request context (accessible via GetRequestID) and the X-Request-ID response
header. The pipeline forwards the same ID upstream and records it with usage.

## Logging (logging.go)

LoggingMiddleware emits one structured slog line per request with method,
path, status and duration. Handlers enrich the line via AddLogField and
AddError; the pipeline adds the organization, route and API version.

## CORS (cors.go)

CORSMiddleware sets the Access-Control-Allow-* headers on every response and
answers OPTIONS preflights with 204. CORSPolicy.Apply is used directly by the
pipeline so error envelopes carry the same headers.

## Timeout (timeout.go)

TimeoutMiddleware bounds the request context. Cancellation is cooperative.

# Usage

	r := chi.NewRouter()
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.CORSMiddleware(policy))
	r.Use(middleware.TimeoutMiddleware(30 * time.Second))
*/
package middleware
