// Package pipeline is the gateway entry point. Handler runs every /api
// request through a fixed sequence of stages:
//
//	RECEIVED
//	  └─ OPTIONS ──────────────────────────────► 204 (CORS only)
//	AUTHENTICATING      session JWT or API key → TenantContext
//	VERSIONING          header → /api/vN/ → ?version= → default
//	RATE_LIMITING       API key callers only
//	TRANSFORMING_REQUEST
//	FORWARDING          route lookup, upstream call
//	TRANSFORMING_RESPONSE
//	LOGGING             asynchronous usage record
//	TERMINAL
//
// A stage failure ends the request with the {"error": "..."} envelope and
// the status of its domain.ErrorKind. The route is matched once, before
// authentication, so the route's required scopes can be checked by the auth
// stage; a missing route is still reported at FORWARDING.
//
// Client cancellation during forwarding abandons the request: nothing is
// written and no usage record is produced.
package pipeline
