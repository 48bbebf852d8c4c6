package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"

	"github.com/tjfontaine/iotedge-gateway/internal/pkg/config"
)

// RulesFromConfig compiles the transforms config section into rules.
func RulesFromConfig(cfgs []config.TransformConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, c := range cfgs {
		re, err := regexp.Compile(c.Path)
		if err != nil {
			return nil, fmt.Errorf("transforms[%d]: invalid path pattern: %w", i, err)
		}
		r := Rule{
			Name:   fmt.Sprintf("%s %s", c.Method, c.Path),
			Path:   re,
			Method: c.Method,
		}
		if c.Method == "" {
			r.Name = c.Path
		}
		if c.Request != nil {
			if len(c.Request.RemoveHeaders) > 0 {
				return nil, fmt.Errorf("transforms[%d]: remove_headers is only supported on responses", i)
			}
			r.Request = Action(*c.Request)
		}
		if c.Response != nil {
			r.Response = Action(*c.Response)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Action returns a Func performing header edits and top-level JSON field edits.
// Field edits are applied in order: rename, remove, set.
func Action(a config.TransformAction) Func {
	return func(_ http.Header, body []byte) (Result, error) {
		res := Result{Remove: a.RemoveHeaders}
		if len(a.SetHeaders) > 0 {
			res.Headers = make(http.Header, len(a.SetHeaders))
			for k, v := range a.SetHeaders {
				res.Headers.Set(k, v)
			}
		}

		if !editsFields(a) || len(bytes.TrimSpace(body)) == 0 {
			return res, nil
		}

		var obj map[string]any
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return Result{}, fmt.Errorf("body is not a JSON object: %w", err)
		}
		if obj == nil {
			return Result{}, fmt.Errorf("body is not a JSON object")
		}

		for _, from := range sortedKeys(a.RenameFields) {
			if v, ok := obj[from]; ok {
				delete(obj, from)
				obj[a.RenameFields[from]] = v
			}
		}
		for _, name := range a.RemoveFields {
			delete(obj, name)
		}
		for k, v := range a.SetFields {
			obj[k] = v
		}

		out, err := json.Marshal(obj)
		if err != nil {
			return Result{}, fmt.Errorf("encode body: %w", err)
		}
		res.Body = out
		return res, nil
	}
}

func editsFields(a config.TransformAction) bool {
	return len(a.SetFields) > 0 || len(a.RemoveFields) > 0 || len(a.RenameFields) > 0
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
