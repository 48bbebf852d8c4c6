package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("Load() port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Server.RequestTimeout != 30*time.Second {
			t.Errorf("request timeout = %v, want 30s", cfg.Server.RequestTimeout)
		}
		if cfg.Auth.APIKeyPrefix != "iotk_" {
			t.Errorf("api key prefix = %q, want iotk_", cfg.Auth.APIKeyPrefix)
		}
		if cfg.Versions.Default != "v1" {
			t.Errorf("default version = %q, want v1", cfg.Versions.Default)
		}
		if len(cfg.CORS.AllowHeaders) != 4 {
			t.Errorf("allow headers = %v, want 4 entries", cfg.CORS.AllowHeaders)
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		t.Setenv("GATEWAY_SERVER__PORT", "9000")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("Load() port = %v, want 9000", cfg.Server.Port)
		}
	})

	t.Run("file sections", func(t *testing.T) {
		t.Setenv("TEST_JWT_SECRET", "s3cret")
		path := writeConfig(t, `
server:
  port: 18080
  production: true
auth:
  jwt_secret: ${TEST_JWT_SECRET}
rate_limits:
  store: memory
  hourly: 5
  policies:
    - name: device-writes
      path_prefix: /api/devices
      method: POST
      limit: 2
      window: 1m
versions:
  default: v1
  list:
    - version: v1
      deprecated: true
      sunset_date: "2027-01-01"
    - version: v2
routes:
  - name: devices
    prefix: /api/devices
    upstream: http://devices:8080
    scopes: [devices, read, write]
    timeout: 5s
transforms:
  - path: ^/api/devices
    method: POST
    request:
      set_headers:
        X-Source: gateway
`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 18080 || !cfg.Server.Production {
			t.Errorf("server = %+v", cfg.Server)
		}
		if cfg.Auth.JWTSecret != "s3cret" {
			t.Errorf("jwt secret = %q, want substituted value", cfg.Auth.JWTSecret)
		}
		if cfg.RateLimits.Hourly != 5 || cfg.RateLimits.Daily != 10000 {
			t.Errorf("rate limits = %+v", cfg.RateLimits)
		}
		if len(cfg.RateLimits.Policies) != 1 || cfg.RateLimits.Policies[0].Window != time.Minute {
			t.Errorf("policies = %+v", cfg.RateLimits.Policies)
		}
		if len(cfg.Versions.List) != 2 || !cfg.Versions.List[0].Deprecated {
			t.Errorf("versions = %+v", cfg.Versions)
		}
		if len(cfg.Routes) != 1 || cfg.Routes[0].Timeout != 5*time.Second || len(cfg.Routes[0].Scopes) != 3 {
			t.Errorf("routes = %+v", cfg.Routes)
		}
		if len(cfg.Transforms) != 1 || cfg.Transforms[0].Request.SetHeaders["X-Source"] != "gateway" {
			t.Errorf("transforms = %+v", cfg.Transforms)
		}
	})

	t.Run("invalid route", func(t *testing.T) {
		path := writeConfig(t, `
routes:
  - name: broken
    prefix: /api/broken
`)
		if _, err := Load(path); err == nil {
			t.Fatal("expected validation error for route without upstream")
		}
	})

	t.Run("redis store requires addr", func(t *testing.T) {
		t.Setenv("GATEWAY_RATE_LIMITS__STORE", "redis")
		if _, err := Load(""); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Versions.Default != "v1" {
		t.Errorf("default version = %q, want v1", cfg.Versions.Default)
	}
	if cfg.Auth.APIKeyPrefix != "iotk_" {
		t.Errorf("api key prefix = %q, want iotk_", cfg.Auth.APIKeyPrefix)
	}
	if len(cfg.CORS.AllowHeaders) != 4 {
		t.Errorf("cors headers = %v, want 4 entries", cfg.CORS.AllowHeaders)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
