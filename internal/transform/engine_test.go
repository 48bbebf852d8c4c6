package transform

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
)

func quietEngine(opts ...Option) *Engine {
	return NewEngine(append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)...)
}

func tagRule(name, pattern, method, tag string) Rule {
	return Rule{
		Name:   name,
		Path:   regexp.MustCompile(pattern),
		Method: method,
		Request: func(_ http.Header, body []byte) (Result, error) {
			h := http.Header{}
			h.Set("X-Rule", tag)
			return Result{Headers: h, Body: body}, nil
		},
	}
}

func TestEngine_FirstMatchWins(t *testing.T) {
	e := quietEngine()
	e.AddRule(tagRule("devices", `^/api/devices`, "post", "first"))
	e.AddRule(tagRule("all", `.*`, "*", "second"))
	e.AddRule(tagRule("devices-again", `^/api/devices`, "POST", "third"))

	res := e.TransformRequest("/api/devices/7", "POST", http.Header{}, []byte(`{}`))
	assert.Equal(t, "first", res.Headers.Get("X-Rule"))

	res = e.TransformRequest("/api/devices/7", "GET", http.Header{}, nil)
	assert.Equal(t, "second", res.Headers.Get("X-Rule"), "method mismatch falls through")
	assert.Equal(t, 3, e.Len())
}

func TestEngine_NoMatchIsPassthrough(t *testing.T) {
	e := quietEngine()
	e.AddRule(tagRule("alarms", `^/api/alarms`, "", "x"))

	body := []byte(`{"a":1}`)
	res := e.TransformRequest("/api/devices", "POST", http.Header{}, body)
	assert.Empty(t, res.Headers)
	assert.Empty(t, res.Remove)
	assert.Equal(t, body, res.Body)

	res = e.TransformResponse("/api/alarms", "GET", http.Header{}, body)
	assert.Equal(t, body, res.Body, "rule without a response side is a no-op")
}

func TestEngine_FailuresFallBack(t *testing.T) {
	var failures []Phase
	e := quietEngine(WithErrorHook(func(p Phase) { failures = append(failures, p) }))
	e.AddRule(Rule{
		Name: "broken",
		Path: regexp.MustCompile(`^/api/`),
		Request: func(http.Header, []byte) (Result, error) {
			return Result{Body: []byte("garbage")}, errors.New("boom")
		},
		Response: func(http.Header, []byte) (Result, error) {
			panic("nil map")
		},
	})

	body := []byte(`{"ok":true}`)
	res := e.TransformRequest("/api/devices", "POST", http.Header{}, body)
	assert.Equal(t, body, res.Body)
	assert.Empty(t, res.Headers)

	res = e.TransformResponse("/api/devices", "POST", http.Header{}, body)
	assert.Equal(t, body, res.Body)

	assert.Equal(t, []Phase{PhaseRequest, PhaseResponse}, failures)
}

func TestEngine_DoesNotMutateInput(t *testing.T) {
	e := quietEngine()
	e.AddRule(Rule{
		Path: regexp.MustCompile(`.`),
		Request: func(h http.Header, body []byte) (Result, error) {
			h.Set("X-Mutated", "yes")
			if len(body) > 0 {
				body[0] = '['
			}
			return Result{Body: body}, nil
		},
	})

	headers := http.Header{}
	body := []byte(`{}`)
	e.TransformRequest("/x", "GET", headers, body)
	assert.Empty(t, headers.Get("X-Mutated"))
	assert.Equal(t, `{}`, string(body))
}

func TestResult_Apply(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "upstream")
	h.Set("Content-Type", "application/json")

	Result{
		Headers: http.Header{"x-tenant": {"org-1"}},
		Remove:  []string{"server"},
	}.Apply(h)

	assert.Empty(t, h.Get("Server"))
	assert.Equal(t, "org-1", h.Get("X-Tenant"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestRulesFromConfig(t *testing.T) {
	rules, err := RulesFromConfig([]config.TransformConfig{{
		Path:   `^/api/devices`,
		Method: "POST",
		Request: &config.TransformAction{
			SetHeaders:   map[string]string{"X-Source": "gateway"},
			SetFields:    map[string]any{"source": "gateway"},
			RemoveFields: []string{"debug"},
			RenameFields: map[string]string{"deviceName": "name"},
		},
		Response: &config.TransformAction{
			RemoveHeaders: []string{"X-Powered-By"},
			RemoveFields:  []string{"internal_id"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, rules, 1)

	e := quietEngine()
	e.AddRule(rules[0])

	in := []byte(`{"deviceName":"pump-3","debug":true,"reading":12.50}`)
	once := e.TransformRequest("/api/devices", "post", http.Header{}, in)
	assert.JSONEq(t, `{"name":"pump-3","reading":12.50,"source":"gateway"}`, string(once.Body))
	assert.Equal(t, "gateway", once.Headers.Get("X-Source"))

	twice := e.TransformRequest("/api/devices", "post", http.Header{}, in)
	assert.Equal(t, once.Body, twice.Body, "pure transforms are deterministic")
	again := e.TransformRequest("/api/devices", "post", http.Header{}, once.Body)
	assert.Equal(t, once.Body, again.Body, "applying to the output is stable")

	out := e.TransformResponse("/api/devices", "POST", http.Header{}, []byte(`{"success":true,"internal_id":9}`))
	assert.JSONEq(t, `{"success":true}`, string(out.Body))
	assert.Equal(t, []string{"X-Powered-By"}, out.Remove)

	notJSON := e.TransformRequest("/api/devices", "POST", http.Header{}, []byte(`not json`))
	assert.Equal(t, `not json`, string(notJSON.Body))
	assert.Empty(t, notJSON.Headers, "failed rule contributes no headers")
}

func TestRulesFromConfig_Errors(t *testing.T) {
	_, err := RulesFromConfig([]config.TransformConfig{{Path: `([`}})
	assert.Error(t, err)

	_, err = RulesFromConfig([]config.TransformConfig{{
		Path:    `.`,
		Request: &config.TransformAction{RemoveHeaders: []string{"Authorization"}},
	}})
	assert.Error(t, err)
}
