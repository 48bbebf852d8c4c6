// Package router selects the upstream service for a request path and
// forwards requests to it.
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
)

// Route maps a path prefix to an upstream service.
type Route struct {
	Name     string
	Prefix   string
	Upstream *url.URL
	// Group restricts the route to versions whose handler names it. Empty
	// routes serve every version.
	Group   string
	Scopes  []domain.Scope
	Timeout time.Duration
}

// Table chooses routes by longest segment-aligned prefix.
type Table struct {
	routes []Route
}

// NewTable creates a route table.
func NewTable(routes []Route) (*Table, error) {
	sorted := append([]Route(nil), routes...)
	seen := make(map[string]struct{}, len(sorted))
	for i, r := range sorted {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with /", r.Name)
		}
		if r.Upstream == nil || r.Upstream.Scheme == "" || r.Upstream.Host == "" {
			return nil, fmt.Errorf("route %q: upstream must be an absolute URL", r.Name)
		}
		sorted[i].Prefix = normalizePrefix(r.Prefix)
		key := r.Group + " " + sorted[i].Prefix
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("route %q: prefix %s already registered for group %q", r.Name, r.Prefix, r.Group)
		}
		seen[key] = struct{}{}
	}

	// Longest prefix first; group-specific before generic on equal prefixes.
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Group != "" && sorted[j].Group == ""
	})
	return &Table{routes: sorted}, nil
}

// FromConfig builds a table from the routes config section.
func FromConfig(cfgs []config.RouteConfig) (*Table, error) {
	routes := make([]Route, 0, len(cfgs))
	for _, c := range cfgs {
		u, err := url.Parse(c.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %q: invalid upstream: %w", c.Name, err)
		}
		name := c.Name
		if name == "" {
			name = c.Prefix
		}
		routes = append(routes, Route{
			Name:     name,
			Prefix:   c.Prefix,
			Upstream: u,
			Group:    c.Group,
			Scopes:   domain.ParseScopes(c.Scopes),
			Timeout:  c.Timeout,
		})
	}
	return NewTable(routes)
}

func normalizePrefix(p string) string {
	if p == "/" {
		return p
	}
	return strings.TrimRight(p, "/")
}

// Match returns the route serving path for the version group.
func (t *Table) Match(path, group string) (Route, bool) {
	for _, r := range t.routes {
		if r.Group != "" && r.Group != group {
			continue
		}
		if hasSegmentPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the routes in match order.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

func hasSegmentPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
