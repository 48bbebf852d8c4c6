// Package version determines the API version of a request and produces the
// version and deprecation response headers.
package version

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
)

const (
	// HeaderName is the request and response header carrying the version.
	HeaderName = "API-Version"
	// QueryParam is the query parameter checked after the path.
	QueryParam = "version"
)

// Source records where a version was found.
type Source string

const (
	SourceHeader  Source = "header"
	SourcePath    Source = "path"
	SourceQuery   Source = "query"
	SourceDefault Source = "default"
)

// Version describes one registered API version.
type Version struct {
	Name           string
	Handler        string // route group serving this version; empty for generic routes
	Deprecated     bool
	Sunset         time.Time
	MigrationGuide string
}

// Resolution is the outcome of ExtractVersion.
type Resolution struct {
	Version Version
	// Path is the request path with any version segment removed.
	Path   string
	Source Source
}

var pathVersion = regexp.MustCompile(`^/api/(v[0-9]+)(/|$)`)

// Resolver holds the registered versions.
type Resolver struct {
	versions map[string]Version
	def      string
}

// NewResolver creates a resolver. The default version is registered with no
// handler if it is not among versions.
func NewResolver(defaultVersion string, versions []Version) (*Resolver, error) {
	if defaultVersion == "" {
		return nil, fmt.Errorf("default version is required")
	}
	r := &Resolver{versions: make(map[string]Version, len(versions)+1), def: defaultVersion}
	for _, v := range versions {
		if v.Name == "" {
			return nil, fmt.Errorf("version name is required")
		}
		if _, dup := r.versions[v.Name]; dup {
			return nil, fmt.Errorf("version %q registered twice", v.Name)
		}
		r.versions[v.Name] = v
	}
	if _, ok := r.versions[defaultVersion]; !ok {
		r.versions[defaultVersion] = Version{Name: defaultVersion}
	}
	return r, nil
}

// FromConfig builds a resolver from the versions config section.
func FromConfig(cfg config.VersionsConfig) (*Resolver, error) {
	versions := make([]Version, 0, len(cfg.List))
	for _, vc := range cfg.List {
		v := Version{
			Name:           vc.Version,
			Handler:        vc.Handler,
			Deprecated:     vc.Deprecated,
			MigrationGuide: vc.MigrationGuide,
		}
		if vc.SunsetDate != "" {
			sunset, err := parseDate(vc.SunsetDate)
			if err != nil {
				return nil, fmt.Errorf("version %s: invalid sunset_date: %w", vc.Version, err)
			}
			v.Sunset = sunset
		}
		versions = append(versions, v)
	}
	return NewResolver(cfg.Default, versions)
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Default returns the default version.
func (r *Resolver) Default() Version {
	return r.versions[r.def]
}

// Lookup returns a registered version.
func (r *Resolver) Lookup(name string) (Version, bool) {
	v, ok := r.versions[name]
	return v, ok
}

// ExtractVersion resolves the version of req. Unknown versions in any source
// fall through to the next source and finally to the default.
func (r *Resolver) ExtractVersion(req *http.Request) Resolution {
	path := req.URL.Path

	if v, ok := r.versions[strings.TrimSpace(req.Header.Get(HeaderName))]; ok {
		return Resolution{Version: v, Path: path, Source: SourceHeader}
	}

	if m := pathVersion.FindStringSubmatch(path); m != nil {
		if v, ok := r.versions[m[1]]; ok {
			return Resolution{Version: v, Path: StripVersion(path, m[1]), Source: SourcePath}
		}
	}

	if v, ok := r.versions[req.URL.Query().Get(QueryParam)]; ok {
		return Resolution{Version: v, Path: path, Source: SourceQuery}
	}

	return Resolution{Version: r.Default(), Path: path, Source: SourceDefault}
}

// StripVersion removes the /<version> segment following /api.
func StripVersion(path, version string) string {
	prefix := "/api/" + version
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest != "" && rest[0] != '/' {
		return path
	}
	return "/api" + rest
}

// CreateVersionHeaders returns the headers announcing version. Deprecated
// versions also carry Deprecation, Sunset and Link headers.
func (r *Resolver) CreateVersionHeaders(version string) http.Header {
	h := http.Header{}
	h.Set(HeaderName, version)

	v, ok := r.versions[version]
	if !ok || !v.Deprecated {
		return h
	}
	h.Set("Deprecation", "true")
	if !v.Sunset.IsZero() {
		h.Set("Sunset", v.Sunset.UTC().Format(http.TimeFormat))
	}
	if v.MigrationGuide != "" {
		h.Set("Link", fmt.Sprintf("<%s>; rel=\"deprecation\"", v.MigrationGuide))
	}
	return h
}
