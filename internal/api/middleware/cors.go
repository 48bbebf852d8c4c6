package middleware

import (
	"net/http"
	"strings"

	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
)

// CORSPolicy holds the values of the Access-Control-Allow-* headers.
type CORSPolicy struct {
	AllowOrigin  string
	AllowHeaders []string
	AllowMethods []string
}

// DefaultCORSPolicy allows any origin with the headers the dashboard sends.
var DefaultCORSPolicy = CORSPolicy{
	AllowOrigin:  "*",
	AllowHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
	AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
}

// CORSPolicyFromConfig converts the cors config section. Empty fields take
// the defaults.
func CORSPolicyFromConfig(cfg config.CORSConfig) CORSPolicy {
	p := CORSPolicy{AllowOrigin: cfg.AllowOrigin, AllowHeaders: cfg.AllowHeaders, AllowMethods: cfg.AllowMethods}
	if p.AllowOrigin == "" {
		p.AllowOrigin = DefaultCORSPolicy.AllowOrigin
	}
	if len(p.AllowHeaders) == 0 {
		p.AllowHeaders = DefaultCORSPolicy.AllowHeaders
	}
	if len(p.AllowMethods) == 0 {
		p.AllowMethods = DefaultCORSPolicy.AllowMethods
	}
	return p
}

// Apply sets the CORS headers on h.
func (p CORSPolicy) Apply(h http.Header) {
	h.Set("Access-Control-Allow-Origin", p.AllowOrigin)
	h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowHeaders, ", "))
	h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowMethods, ", "))
}

// CORSMiddleware attaches CORS headers to every response and answers
// preflight requests with 204 and no body.
func CORSMiddleware(p CORSPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.Apply(w.Header())
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
