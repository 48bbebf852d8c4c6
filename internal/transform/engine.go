// Package transform applies path- and method-matched rules to request and
// response payloads.
//
// Rules are kept in registration order and the first match wins. A rule
// that fails never aborts a request: the engine logs the failure and hands
// back the untransformed payload.
package transform

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
)

// Phase identifies which side of the exchange is being transformed.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Result is the outcome of a transform. Headers holds values to set on top
// of the original headers; Remove lists header names to delete.
type Result struct {
	Headers http.Header
	Remove  []string
	Body    []byte
}

// Apply merges the header delta into h.
func (r Result) Apply(h http.Header) {
	for _, name := range r.Remove {
		h.Del(name)
	}
	for name, values := range r.Headers {
		h[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
}

// Func transforms one payload. It must not modify headers or body in place.
type Func func(headers http.Header, body []byte) (Result, error)

// Rule pairs a path pattern and method with optional transforms.
type Rule struct {
	Name     string
	Path     *regexp.Regexp
	Method   string // empty or "*" matches any method
	Request  Func
	Response Func
}

func (r Rule) matches(path, method string) bool {
	if r.Path == nil || !r.Path.MatchString(path) {
		return false
	}
	return r.Method == "" || r.Method == "*" || strings.EqualFold(r.Method, method)
}

// Engine holds an ordered rule list.
type Engine struct {
	mu      sync.RWMutex
	rules   []Rule
	logger  *slog.Logger
	onError func(Phase)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for transform failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithErrorHook is called once per recovered transform failure.
func WithErrorHook(fn func(Phase)) Option {
	return func(e *Engine) { e.onError = fn }
}

// NewEngine creates an engine with no rules.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule appends a rule. Earlier rules take priority.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Len returns the number of registered rules.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// TransformRequest applies the request side of the first matching rule.
func (e *Engine) TransformRequest(path, method string, headers http.Header, body []byte) Result {
	return e.transform(PhaseRequest, path, method, headers, body)
}

// TransformResponse applies the response side of the first matching rule.
func (e *Engine) TransformResponse(path, method string, headers http.Header, body []byte) Result {
	return e.transform(PhaseResponse, path, method, headers, body)
}

func (e *Engine) transform(phase Phase, path, method string, headers http.Header, body []byte) Result {
	rule, ok := e.match(path, method)
	if !ok {
		return Result{Body: body}
	}

	fn := rule.Request
	if phase == PhaseResponse {
		fn = rule.Response
	}
	if fn == nil {
		return Result{Body: body}
	}

	res, err := run(fn, headers.Clone(), body)
	if err != nil {
		terr := domain.NewError(domain.KindTransformation,
			fmt.Sprintf("%s transform %q failed", phase, rule.Name)).WithCause(err)
		e.logger.Warn("transform failed, using original payload",
			slog.String("phase", string(phase)),
			slog.String("rule", rule.Name),
			slog.String("path", path),
			slog.String("error", terr.Error()))
		if e.onError != nil {
			e.onError(phase)
		}
		return Result{Body: body}
	}
	if res.Body == nil {
		res.Body = body
	}
	return res
}

func (e *Engine) match(path, method string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.matches(path, method) {
			return r, true
		}
	}
	return Rule{}, false
}

// run invokes fn, converting a panic into an error.
func run(fn Func, headers http.Header, body []byte) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	in := append([]byte(nil), body...)
	return fn(headers, in)
}
